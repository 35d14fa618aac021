package bus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imapmux/imapmux/internal/domain/model"
)

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	d := NewDispatcher(slog.Default())
	t.Cleanup(func() { _ = d.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := d.Subscribe(ctx, model.TopicAccounts)
	require.NoError(t, err)
	b, err := d.Subscribe(ctx, model.TopicAccounts)
	require.NoError(t, err)

	require.NoError(t, d.Publish(ctx, model.TopicAccounts, &model.ControlMessage{Cmd: model.CmdNew, Account: "x"}))

	for _, ch := range []<-chan *model.ControlMessage{a, b} {
		select {
		case cm := <-ch:
			assert.Equal(t, model.CmdNew, cm.Cmd)
			assert.Equal(t, "x", cm.Account)
		case <-time.After(time.Second):
			t.Fatal("subscriber starved")
		}
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	d := NewDispatcher(slog.Default())
	t.Cleanup(func() { _ = d.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, err := d.Subscribe(ctx, model.TopicState)
	require.NoError(t, err)
	require.NoError(t, d.Publish(ctx, model.TopicAccounts, &model.ControlMessage{Cmd: model.CmdNew}))

	select {
	case cm := <-state:
		t.Fatalf("cross-topic leak: %v", cm.Cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNilMessageRejected(t *testing.T) {
	d := NewDispatcher(slog.Default())
	t.Cleanup(func() { _ = d.Close() })
	assert.Error(t, d.Publish(context.Background(), model.TopicAccounts, nil))
}
