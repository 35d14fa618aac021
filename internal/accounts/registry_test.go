package accounts

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/adapter/kv"
	"github.com/imapmux/imapmux/internal/domain/model"
)

func newTestRegistry(t *testing.T, secret string) (Registrar, *kv.Store, <-chan *model.ControlMessage) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.Default()
	store := kv.NewStoreWithClient(rdb, "test", logger)
	dispatcher := bus.NewDispatcher(logger)
	t.Cleanup(func() { _ = dispatcher.Close() })
	control, err := dispatcher.Subscribe(context.Background(), model.TopicAccounts)
	require.NoError(t, err)
	return NewRegistry(store, dispatcher, RegistryConfig{EncryptionSecret: secret}, logger), store, control
}

func sample() *model.Account {
	return &model.Account{
		ID:    "acct-1",
		Name:  "Example",
		Email: "user@example.com",
		IMAP:  &model.ServerConfig{Host: "imap.example.com", Port: 993, TLS: true, User: "user", Pass: "secretpass"},
		SMTP:  &model.ServerConfig{Host: "smtp.example.com", Port: 465, TLS: true, User: "user", Pass: "secretpass"},
	}
}

func awaitMessage(t *testing.T, ch <-chan *model.ControlMessage) *model.ControlMessage {
	t.Helper()
	select {
	case cm := <-ch:
		return cm
	case <-time.After(time.Second):
		t.Fatal("no control message")
		return nil
	}
}

func TestCreateLoadRoundTrip(t *testing.T) {
	reg, _, control := newTestRegistry(t, "enc-secret")
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, sample()))
	cm := awaitMessage(t, control)
	assert.Equal(t, model.CmdNew, cm.Cmd)
	assert.Equal(t, "acct-1", cm.Account)

	loaded, err := reg.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "Example", loaded.Name)
	assert.Equal(t, model.StateInit, loaded.State)
	require.NotNil(t, loaded.IMAP)
	assert.Equal(t, "secretpass", loaded.IMAP.Pass)
}

func TestSecretsAreSealedAtRest(t *testing.T) {
	reg, store, _ := newTestRegistry(t, "enc-secret")
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, sample()))

	raw, err := store.Client().HGet(ctx, store.Key("iad", "acct-1"), "imap").Result()
	require.NoError(t, err)
	assert.NotContains(t, raw, "secretpass")
	assert.Contains(t, raw, "$gcm$")
}

func TestUpdateMergesAndPublishesOnConnectionChange(t *testing.T) {
	reg, _, control := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, sample()))
	awaitMessage(t, control)

	// Metadata-only change: no reconnect broadcast.
	_, err := reg.Update(ctx, "acct-1", func(a *model.Account) error {
		a.Name = "Renamed"
		return nil
	})
	require.NoError(t, err)
	select {
	case cm := <-control:
		t.Fatalf("unexpected broadcast %v", cm.Cmd)
	case <-time.After(50 * time.Millisecond):
	}

	// Credential change: the owner must reconnect.
	_, err = reg.Update(ctx, "acct-1", func(a *model.Account) error {
		a.IMAP.Pass = "rotated1"
		return nil
	})
	require.NoError(t, err)
	cm := awaitMessage(t, control)
	assert.Equal(t, model.CmdUpdate, cm.Cmd)

	loaded, err := reg.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", loaded.Name)
	assert.Equal(t, "rotated1", loaded.IMAP.Pass)
}

func TestNotifyFromIsMonotonic(t *testing.T) {
	reg, _, _ := newTestRegistry(t, "")
	ctx := context.Background()
	account := sample()
	account.NotifyFrom = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Create(ctx, account))

	_, err := reg.Update(ctx, "acct-1", func(a *model.Account) error {
		a.NotifyFrom = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
		return nil
	})
	require.NoError(t, err)
	loaded, err := reg.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2024, loaded.NotifyFrom.Year())
}

func TestDeleteIsIdempotentAndDropsKeys(t *testing.T) {
	reg, store, control := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, sample()))
	awaitMessage(t, control)

	// Seed the per-account side keys.
	require.NoError(t, store.Client().LPush(ctx, store.Key("iah", "acct-1"), "log").Err())
	require.NoError(t, store.Client().HSet(ctx, store.Key("iaq", "acct-1"), "q1", "blob").Err())

	require.NoError(t, reg.Delete(ctx, "acct-1"))
	cm := awaitMessage(t, control)
	assert.Equal(t, model.CmdDelete, cm.Cmd)

	_, err := reg.Load(ctx, "acct-1")
	assert.ErrorIs(t, err, ErrNotFound)
	for _, key := range []string{store.Key("iad", "acct-1"), store.Key("iah", "acct-1"), store.Key("iaq", "acct-1")} {
		n, err := store.Client().Exists(ctx, key).Result()
		require.NoError(t, err)
		assert.Zero(t, n, key)
	}

	// Second delete: no-op, no broadcast.
	require.NoError(t, reg.Delete(ctx, "acct-1"))
	select {
	case cm := <-control:
		t.Fatalf("unexpected broadcast %v", cm.Cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListPagesAndFilters(t *testing.T) {
	reg, _, _ := newTestRegistry(t, "")
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		account := sample()
		account.ID = id
		require.NoError(t, reg.Create(ctx, account))
	}
	require.NoError(t, reg.UpdateState(ctx, "c", model.StateConnected, nil))

	page, err := reg.List(ctx, "", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.Pages)
	assert.Len(t, page.Accounts, 2)

	connected, err := reg.List(ctx, model.StateConnected, 0, 10)
	require.NoError(t, err)
	require.Len(t, connected.Accounts, 1)
	assert.Equal(t, "c", connected.Accounts[0].ID)
}

func TestUpdateStateWritesErrorDetail(t *testing.T) {
	reg, _, _ := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, sample()))

	lastErr := &model.LastError{Code: model.CodeAuthFailed, Message: "LOGIN failed", Time: time.Now().UTC()}
	require.NoError(t, reg.UpdateState(ctx, "acct-1", model.StateAuthError, lastErr))

	loaded, err := reg.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAuthError, loaded.State)
	require.NotNil(t, loaded.LastError)
	assert.Equal(t, model.CodeAuthFailed, loaded.LastError.Code)
}
