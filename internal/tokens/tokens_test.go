package tokens

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imapmux/imapmux/internal/adapter/kv"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewService(kv.NewStoreWithClient(rdb, "test", slog.Default()))
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, meta, err := svc.Issue(ctx, "ci token", []string{ScopeAPI})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, []string{ScopeAPI}, meta.Scopes)

	got, err := svc.Authenticate(ctx, token, ScopeAPI)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)

	// Scope not granted.
	_, err = svc.Authenticate(ctx, token, ScopeMetrics)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestWildcardScopeGrantsEverything(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	token, _, err := svc.Issue(ctx, "", []string{ScopeAll})
	require.NoError(t, err)
	for _, scope := range []string{ScopeAPI, ScopeMetrics} {
		_, err := svc.Authenticate(ctx, token, scope)
		assert.NoError(t, err, scope)
	}
}

func TestUnknownScopeRejected(t *testing.T) {
	svc := newTestService(t)
	_, _, err := svc.Issue(context.Background(), "", []string{"admin"})
	assert.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	origin := newTestService(t)
	remote := newTestService(t)
	ctx := context.Background()

	token, meta, err := origin.Issue(ctx, "portable", []string{ScopeAPI, ScopeMetrics})
	require.NoError(t, err)
	data, err := origin.Export(ctx, token)
	require.NoError(t, err)

	imported, err := remote.Import(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, imported.ID)
	assert.Equal(t, meta.Scopes, imported.Scopes)

	// The same secret authorizes against the importing instance.
	got, err := remote.Authenticate(ctx, token, ScopeAPI)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)
}

func TestDeleteRevokes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	token, _, err := svc.Issue(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, token))
	_, err = svc.Authenticate(ctx, token, ScopeAPI)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestGarbageTokenDenied(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Authenticate(context.Background(), "!!not-base64!!", ScopeAPI)
	assert.ErrorIs(t, err, ErrDenied)
}
