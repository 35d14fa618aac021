package settings

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/adapter/kv"
	"github.com/imapmux/imapmux/internal/domain/model"
)

func newTestService(t *testing.T) (*Service, <-chan *model.ControlMessage) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.Default()
	store := kv.NewStoreWithClient(rdb, "test", logger)
	dispatcher := bus.NewDispatcher(logger)
	t.Cleanup(func() { _ = dispatcher.Close() })
	changes, err := dispatcher.Subscribe(context.Background(), model.TopicSettings)
	require.NoError(t, err)
	return NewService(store, dispatcher, logger), changes
}

func TestSetBroadcastsChange(t *testing.T) {
	svc, changes := newTestService(t)
	require.NoError(t, svc.Set(context.Background(), KeyWebhooks, "https://hooks.example.com"))
	cm := <-changes
	assert.Equal(t, model.CmdSettings, cm.Cmd)
	assert.Equal(t, KeyWebhooks, cm.Key)
}

func TestQueueKeepSemantics(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Unset falls back to the default.
	keep, err := svc.QueueKeep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, DefaultQueueKeep, keep)

	// Zero means retain none, not "default".
	require.NoError(t, svc.Set(ctx, KeyQueueKeep, 0))
	keep, err = svc.QueueKeep(ctx)
	require.NoError(t, err)
	assert.Zero(t, keep)

	require.NoError(t, svc.Set(ctx, KeyQueueKeep, 25))
	keep, err = svc.QueueKeep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 25, keep)
}

func TestServiceSecretIsStable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	first, err := svc.ServiceSecret(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	second, err := svc.ServiceSecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWebhooksEnabledDefaultsFromURL(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	enabled, err := svc.WebhooksEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, svc.Set(ctx, KeyWebhooks, "https://hooks.example.com"))
	enabled, err = svc.WebhooksEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, svc.DisableWebhooks(ctx, "https://hooks.example.com", "gone"))
	enabled, err = svc.WebhooksEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestScalarFallbackDecoding(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	// A value written outside the JSON convention still reads back.
	require.NoError(t, svc.store.Client().HSet(ctx, svc.key(), "legacyEntry", "bare-string").Err())
	var out string
	ok, err := svc.Get(ctx, "legacyEntry", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bare-string", out)
}
