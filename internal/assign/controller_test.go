package assign

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/domain/model"
)

type fakeWorker struct {
	id string

	mu    sync.Mutex
	owned map[string]struct{}
}

func newFakeWorker(id string) *fakeWorker {
	return &fakeWorker{id: id, owned: make(map[string]struct{})}
}

func (w *fakeWorker) ID() string { return w.id }

func (w *fakeWorker) Assign(_ context.Context, account string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.owned[account] = struct{}{}
	return nil
}

func (w *fakeWorker) Unassign(_ context.Context, account string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.owned, account)
}

func (w *fakeWorker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.owned)
}

type fakeStates struct {
	mu     sync.Mutex
	states map[string][]model.AccountState
}

func newFakeStates() *fakeStates { return &fakeStates{states: make(map[string][]model.AccountState)} }

func (f *fakeStates) UpdateState(_ context.Context, id string, state model.AccountState, _ *model.LastError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = append(f.states[id], state)
	return nil
}

func (f *fakeStates) last(id string) model.AccountState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states[id]) == 0 {
		return ""
	}
	return f.states[id][len(f.states[id])-1]
}

func newTestController(t *testing.T) (*Controller, *fakeStates) {
	t.Helper()
	states := newFakeStates()
	dispatcher := bus.NewDispatcher(slog.Default())
	t.Cleanup(func() { _ = dispatcher.Close() })
	return NewController(states, dispatcher, slog.Default()), states
}

func TestEveryAccountHasExactlyOneOwner(t *testing.T) {
	c, _ := newTestController(t)
	workers := []*fakeWorker{newFakeWorker("imap-0"), newFakeWorker("imap-1"), newFakeWorker("imap-2")}
	for _, w := range workers {
		c.WorkerReady(w)
	}
	var ids []string
	for i := 0; i < 100; i++ {
		ids = append(ids, fmt.Sprintf("acct-%d", i))
	}
	c.Seed(ids)

	total := 0
	for _, w := range workers {
		total += w.count()
	}
	assert.Equal(t, 100, total)
	for _, w := range workers {
		assert.Greater(t, w.count(), 0, "worker %s got nothing", w.id)
	}
	snapshot := c.Snapshot()
	assert.Len(t, snapshot, 100)
}

func TestWorkerExitReassignsItsAccounts(t *testing.T) {
	c, states := newTestController(t)
	w0, w1, w2 := newFakeWorker("imap-0"), newFakeWorker("imap-1"), newFakeWorker("imap-2")
	c.WorkerReady(w0)
	c.WorkerReady(w1)
	c.WorkerReady(w2)
	var ids []string
	for i := 0; i < 60; i++ {
		ids = append(ids, fmt.Sprintf("acct-%d", i))
	}
	c.Seed(ids)
	lost := w1.count()
	require.Greater(t, lost, 0)

	c.WorkerExit("imap-1")

	// First failure per account damps with zero delay, so reassignment
	// is immediate; give the timers a moment regardless.
	require.Eventually(t, func() bool {
		return w0.count()+w2.count() == 60
	}, 2*time.Second, 10*time.Millisecond)

	// A reassigned account reported disconnected before reconnecting.
	for account, owner := range c.Snapshot() {
		if owner == "imap-0" || owner == "imap-2" {
			continue
		}
		t.Fatalf("account %s still on dead worker %s", account, owner)
	}
	sawDisconnected := false
	for i := 0; i < 60; i++ {
		if states.last(fmt.Sprintf("acct-%d", i)) == model.StateDisconnected {
			sawDisconnected = true
		}
	}
	assert.True(t, sawDisconnected)
}

func TestNoWorkersLeavesAccountsUnassigned(t *testing.T) {
	c, _ := newTestController(t)
	c.Seed([]string{"a", "b"})
	assert.Empty(t, c.Snapshot())

	w := newFakeWorker("imap-0")
	c.WorkerReady(w)
	assert.Equal(t, 2, w.count())
}

func TestAccountDeleteIsIdempotent(t *testing.T) {
	c, _ := newTestController(t)
	w := newFakeWorker("imap-0")
	c.WorkerReady(w)
	c.Seed([]string{"a"})
	require.Equal(t, 1, w.count())

	c.AccountDelete("a")
	assert.Zero(t, w.count())
	c.AccountDelete("a")
	assert.Zero(t, w.count())
	assert.Empty(t, c.Snapshot())
}

func TestReconnectDampingGrowsAndResets(t *testing.T) {
	now := time.Unix(1000, 0)
	h := &reconnectHistory{}

	// First disconnect after a long quiet period: no delay.
	assert.Equal(t, time.Duration(0), h.next(now))

	// Tight loop: delays grow 1.5x per failure.
	now = now.Add(time.Second)
	d1 := h.next(now)
	assert.Equal(t, firstReconnectDelay, d1)
	now = now.Add(time.Second)
	d2 := h.next(now)
	assert.Greater(t, d2, d1)
	now = now.Add(time.Second)
	d3 := h.next(now)
	assert.Greater(t, d3, d2)

	// Delays cap at one minute.
	for i := 0; i < 20; i++ {
		now = now.Add(time.Second)
		d := h.next(now)
		assert.LessOrEqual(t, d, maxReconnectDelay)
	}

	// A quiet minute resets the damping entirely.
	now = now.Add(70 * time.Second)
	assert.Equal(t, time.Duration(0), h.next(now))
}

func TestDisconnectedAccountCoolsThenReturns(t *testing.T) {
	c, states := newTestController(t)
	w := newFakeWorker("imap-0")
	c.WorkerReady(w)
	c.Seed([]string{"a"})
	require.Equal(t, 1, w.count())

	// Simulate the session dropping twice in quick succession: the
	// second pass must be delayed but still come back.
	w.Unassign(context.Background(), "a")
	c.Disconnected("a")
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)

	w.Unassign(context.Background(), "a")
	c.Disconnected("a")
	assert.Equal(t, model.StateDisconnected, states.last("a"))
	require.Eventually(t, func() bool { return w.count() == 1 }, 3*time.Second, 10*time.Millisecond)
}
