package queue

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
	"github.com/imapmux/imapmux/internal/settings"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis, *settings.Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.Default()
	store := kv.NewStoreWithClient(rdb, "test", logger)
	dispatcher := bus.NewDispatcher(logger)
	t.Cleanup(func() { _ = dispatcher.Close() })
	set := settings.NewService(store, dispatcher, logger)
	return NewEngine(store, set, logger), mr, set
}

func TestEnqueueReserveAck(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Enqueue(ctx, model.QueueNotify, []byte(`{"n":1}`), Options{Attempts: 3, BaseDelay: 100 * time.Millisecond})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := engine.Reserve(ctx, model.QueueNotify, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, model.JobActive, job.Status)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, []byte(`{"n":1}`), job.Payload)

	// The queue is drained while the job is leased.
	next, err := engine.Reserve(ctx, model.QueueNotify, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, engine.Ack(ctx, job, "delivered"))

	stored, err := engine.Job(ctx, model.QueueNotify, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.JobCompleted, stored.Status)
	assert.Equal(t, "delivered", stored.Progress)
}

func TestRetryScheduleIsExponential(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, model.QueueSubmit, []byte("m"), Options{Attempts: 3, BaseDelay: 100 * time.Millisecond})
	require.NoError(t, err)

	// Attempt 1 fails: delay = base · 2^0.
	job, err := engine.Reserve(ctx, model.QueueSubmit, "w1", time.Minute)
	require.NoError(t, err)
	start := time.Now()
	terminal, err := engine.Fail(ctx, job, assert.AnError, true)
	require.NoError(t, err)
	assert.False(t, terminal)
	first := job.ID

	reloaded, err := engine.Job(ctx, model.QueueSubmit, first)
	require.NoError(t, err)
	d1 := reloaded.NextVisibleAt.Sub(start)
	assert.InDelta(t, 100, d1.Milliseconds(), 50)

	// Promote past the delay, fail again: delay = base · 2^1.
	promoteAll(t, engine, model.QueueSubmit)
	job, err = engine.Reserve(ctx, model.QueueSubmit, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.AttemptsMade)
	start = time.Now()
	terminal, err = engine.Fail(ctx, job, assert.AnError, true)
	require.NoError(t, err)
	assert.False(t, terminal)

	reloaded, err = engine.Job(ctx, model.QueueSubmit, first)
	require.NoError(t, err)
	d2 := reloaded.NextVisibleAt.Sub(start)
	assert.InDelta(t, 200, d2.Milliseconds(), 50)

	// Third failure exhausts the budget.
	promoteAll(t, engine, model.QueueSubmit)
	job, err = engine.Reserve(ctx, model.QueueSubmit, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.AttemptsMade)
	terminal, err = engine.Fail(ctx, job, assert.AnError, true)
	require.NoError(t, err)
	assert.True(t, terminal)
}

// promoteAll forces every delayed job visible regardless of wall clock,
// by rewinding its score, then promotes.
func promoteAll(t *testing.T, engine *Engine, queue string) {
	t.Helper()
	ctx := context.Background()
	key := engine.k(queue, "delayed")
	ids, err := engine.store.Client().ZRange(ctx, key, 0, -1).Result()
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, engine.store.Client().ZAdd(ctx, key, redis.Z{Score: 0, Member: id}).Err())
	}
	_, err = engine.Promote(ctx, queue)
	require.NoError(t, err)
}

func TestSingleAttemptNeverRetries(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, model.QueueSubmit, []byte("m"), Options{Attempts: 1})
	require.NoError(t, err)
	job, err := engine.Reserve(ctx, model.QueueSubmit, "w1", time.Minute)
	require.NoError(t, err)
	terminal, err := engine.Fail(ctx, job, assert.AnError, true)
	require.NoError(t, err)
	assert.True(t, terminal)

	again, err := engine.Reserve(ctx, model.QueueSubmit, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestZeroBaseDelayRetriesImmediately(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, model.QueueSubmit, []byte("m"), Options{Attempts: 2, BaseDelay: 0})
	require.NoError(t, err)
	job, err := engine.Reserve(ctx, model.QueueSubmit, "w1", time.Minute)
	require.NoError(t, err)
	_, err = engine.Fail(ctx, job, assert.AnError, true)
	require.NoError(t, err)

	_, err = engine.Promote(ctx, model.QueueSubmit)
	require.NoError(t, err)
	job, err = engine.Reserve(ctx, model.QueueSubmit, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestDiscardIgnoresAttemptsLeft(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Enqueue(ctx, model.QueueSubmit, []byte("m"), Options{Attempts: 10})
	require.NoError(t, err)
	job, err := engine.Reserve(ctx, model.QueueSubmit, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, engine.Discard(ctx, job, assert.AnError))

	stored, err := engine.Job(ctx, model.QueueSubmit, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.JobFailed, stored.Status)
}

func TestLeaseExpiryReturnsJobToPending(t *testing.T) {
	engine, mr, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, model.QueueNotify, []byte("m"), Options{Attempts: 5})
	require.NoError(t, err)
	job, err := engine.Reserve(ctx, model.QueueNotify, "w1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	n, err := engine.Reap(ctx, model.QueueNotify)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Another worker picks the job up under a fresh lease.
	job2, err := engine.Reserve(ctx, model.QueueNotify, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job2)
	assert.Equal(t, job.ID, job2.ID)

	// The stale holder can no longer ack.
	err = engine.Ack(ctx, job, "late")
	assert.ErrorIs(t, err, ErrStaleLease)

	require.NoError(t, engine.Ack(ctx, job2, "done"))
}

func TestQueueKeepZeroRetainsNothing(t *testing.T) {
	engine, _, set := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, set.Set(ctx, settings.KeyQueueKeep, 0))

	id, err := engine.Enqueue(ctx, model.QueueNotify, []byte("m"), Options{Attempts: 1})
	require.NoError(t, err)
	job, err := engine.Reserve(ctx, model.QueueNotify, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, engine.Ack(ctx, job, "done"))

	stored, err := engine.Job(ctx, model.QueueNotify, id)
	require.NoError(t, err)
	assert.Nil(t, stored)

	n, err := engine.store.Client().LLen(ctx, engine.k(model.QueueNotify, "completed")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueKeepBoundsRetentionList(t *testing.T) {
	engine, _, set := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, set.Set(ctx, settings.KeyQueueKeep, 2))

	for i := 0; i < 5; i++ {
		_, err := engine.Enqueue(ctx, model.QueueNotify, []byte("m"), Options{Attempts: 1})
		require.NoError(t, err)
		job, err := engine.Reserve(ctx, model.QueueNotify, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, engine.Ack(ctx, job, "done"))
	}
	n, err := engine.store.Client().LLen(ctx, engine.k(model.QueueNotify, "completed")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestDedupeKeyReplacesPendingJob(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Enqueue(ctx, model.QueueSubmit, []byte("v1"), Options{Attempts: 3, DedupeKey: "acct:q1"})
	require.NoError(t, err)
	second, err := engine.Enqueue(ctx, model.QueueSubmit, []byte("v2"), Options{Attempts: 3, DedupeKey: "acct:q1"})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	job, err := engine.Reserve(ctx, model.QueueSubmit, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second, job.ID)
	assert.Equal(t, []byte("v2"), job.Payload)

	// Only one delivery: the first entry is gone.
	again, err := engine.Reserve(ctx, model.QueueSubmit, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)
	gone, err := engine.Job(ctx, model.QueueSubmit, first)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestFIFOWithinSameVisibility(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := engine.Enqueue(ctx, model.QueueNotify, []byte{byte('a' + i)}, Options{Attempts: 1})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, want := range ids {
		job, err := engine.Reserve(ctx, model.QueueNotify, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
		require.NoError(t, engine.Ack(ctx, job, "done"))
	}
}

func TestPriorityBeatsFIFO(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, model.QueueNotify, []byte("low"), Options{Attempts: 1})
	require.NoError(t, err)
	high, err := engine.Enqueue(ctx, model.QueueNotify, []byte("high"), Options{Attempts: 1, Priority: 1})
	require.NoError(t, err)

	job, err := engine.Reserve(ctx, model.QueueNotify, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, high, job.ID)
}

func TestDelayedJobInvisibleUntilPromoted(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, model.QueueNotify, []byte("m"), Options{Attempts: 1, Delay: time.Hour})
	require.NoError(t, err)

	job, err := engine.Reserve(ctx, model.QueueNotify, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	n, err := engine.Promote(ctx, model.QueueNotify)
	require.NoError(t, err)
	assert.Zero(t, n)

	promoteAll(t, engine, model.QueueNotify)
	job, err = engine.Reserve(ctx, model.QueueNotify, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
}
