package assign

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/domain/model"
)

// WorkerHandle is what the controller knows about one IMAP worker.
// Implemented by the worker pool; the controller never reaches into
// worker state.
type WorkerHandle interface {
	ID() string
	Assign(ctx context.Context, accountID string) error
	Unassign(ctx context.Context, accountID string)
}

// StateWriter publishes the account state visible to API readers while
// the account sits between owners.
type StateWriter interface {
	UpdateState(ctx context.Context, id string, state model.AccountState, lastErr *model.LastError) error
}

const (
	maxReconnectDelay   = time.Minute
	firstReconnectDelay = 500 * time.Millisecond
	reconnectResetAfter = time.Minute
	historyLen          = 10
)

// reconnectHistory damps tight reconnect loops caused by remote servers
// rejecting authentication or throttling. Quiet accounts reset to zero.
type reconnectHistory struct {
	times [historyLen]time.Time
	n     int
	delay time.Duration
}

func (h *reconnectHistory) next(now time.Time) time.Duration {
	var last time.Time
	if h.n > 0 {
		last = h.times[(h.n-1)%historyLen]
	}
	h.times[h.n%historyLen] = now
	h.n++

	if last.IsZero() || now.Sub(last) >= reconnectResetAfter {
		h.delay = 0
		return 0
	}
	switch {
	case h.delay <= 0:
		h.delay = firstReconnectDelay
	default:
		h.delay = time.Duration(float64(h.delay) * 1.5)
		if h.delay > maxReconnectDelay {
			h.delay = maxReconnectDelay
		}
	}
	return h.delay
}

// Controller owns the account→worker mapping. It is the sole writer of
// assignments; workers only learn about accounts through Assign calls
// issued here.
type Controller struct {
	states StateWriter
	bus    bus.Dispatcher
	logger *slog.Logger
	clock  func() time.Time

	mu             sync.Mutex
	unassigned     map[string]struct{}
	assigned       map[string]WorkerHandle
	workerAssigned map[string]map[string]struct{}
	workers        map[string]WorkerHandle
	cooling        map[string]*time.Timer
	history        map[string]*reconnectHistory

	cycling bool
	rerun   bool
}

func NewController(states StateWriter, dispatcher bus.Dispatcher, logger *slog.Logger) *Controller {
	return &Controller{
		states:         states,
		bus:            dispatcher,
		logger:         logger,
		clock:          time.Now,
		unassigned:     make(map[string]struct{}),
		assigned:       make(map[string]WorkerHandle),
		workerAssigned: make(map[string]map[string]struct{}),
		workers:        make(map[string]WorkerHandle),
		cooling:        make(map[string]*time.Timer),
		history:        make(map[string]*reconnectHistory),
	}
}

// Seed loads the full account set on startup; everything starts
// unassigned until workers report ready.
func (c *Controller) Seed(ids []string) {
	c.mu.Lock()
	for _, id := range ids {
		if _, owned := c.assigned[id]; !owned {
			c.unassigned[id] = struct{}{}
		}
	}
	c.mu.Unlock()
	c.assignCycle()
}

// AccountNew makes a newly registered account eligible for assignment.
func (c *Controller) AccountNew(id string) {
	c.mu.Lock()
	if _, owned := c.assigned[id]; !owned {
		c.unassigned[id] = struct{}{}
	}
	c.mu.Unlock()
	c.assignCycle()
}

// AccountUpdate bounces the account so the owner reconnects with the
// new credentials: unassign, then run a cycle.
func (c *Controller) AccountUpdate(id string) {
	c.mu.Lock()
	owner := c.assigned[id]
	if owner != nil {
		c.dropLocked(id, owner)
		c.unassigned[id] = struct{}{}
	}
	c.mu.Unlock()
	if owner != nil {
		owner.Unassign(context.Background(), id)
	}
	c.assignCycle()
}

// AccountDelete removes the account from every structure and tells the
// owner, if any, to shut the session down. Idempotent.
func (c *Controller) AccountDelete(id string) {
	c.mu.Lock()
	owner := c.assigned[id]
	if owner != nil {
		c.dropLocked(id, owner)
	}
	delete(c.unassigned, id)
	delete(c.history, id)
	if t := c.cooling[id]; t != nil {
		t.Stop()
		delete(c.cooling, id)
	}
	c.mu.Unlock()
	if owner != nil {
		owner.Unassign(context.Background(), id)
	}
}

// WorkerReady adds a worker to the available set and assigns pending
// accounts to it.
func (c *Controller) WorkerReady(w WorkerHandle) {
	c.mu.Lock()
	c.workers[w.ID()] = w
	if c.workerAssigned[w.ID()] == nil {
		c.workerAssigned[w.ID()] = make(map[string]struct{})
	}
	c.mu.Unlock()
	c.assignCycle()
}

// WorkerExit returns every account the worker owned to the unassigned
// pool after its cooling delay.
func (c *Controller) WorkerExit(workerID string) {
	c.mu.Lock()
	delete(c.workers, workerID)
	owned := c.workerAssigned[workerID]
	delete(c.workerAssigned, workerID)
	ids := make([]string, 0, len(owned))
	for id := range owned {
		delete(c.assigned, id)
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.cool(id)
	}
}

// Disconnected is reported by a worker when an account's connection
// drops without the worker itself dying: the account re-enters the pool
// behind its damping delay.
func (c *Controller) Disconnected(accountID string) {
	c.mu.Lock()
	if owner := c.assigned[accountID]; owner != nil {
		c.dropLocked(accountID, owner)
	}
	c.mu.Unlock()
	c.cool(accountID)
}

// cool parks the account in the cooling state for its damping delay,
// surfacing state=disconnected so API reads stay accurate, then returns
// it to unassigned.
func (c *Controller) cool(accountID string) {
	c.mu.Lock()
	h := c.history[accountID]
	if h == nil {
		h = &reconnectHistory{}
		c.history[accountID] = h
	}
	delay := h.next(c.clock())
	c.mu.Unlock()

	ctx := context.Background()
	if err := c.states.UpdateState(ctx, accountID, model.StateDisconnected, nil); err != nil {
		c.logger.Warn("state write failed during cooldown", "account", accountID, "err", err)
	}
	_ = c.bus.Publish(ctx, model.TopicState, &model.ControlMessage{
		Cmd: model.CmdChange, Account: accountID, State: model.StateDisconnected,
	})

	if delay <= 0 {
		c.release(accountID)
		return
	}
	c.logger.Info("damping reconnect", "account", accountID, "delay", delay)
	c.mu.Lock()
	if t := c.cooling[accountID]; t != nil {
		t.Stop()
	}
	c.cooling[accountID] = time.AfterFunc(delay, func() { c.release(accountID) })
	c.mu.Unlock()
}

func (c *Controller) release(accountID string) {
	c.mu.Lock()
	delete(c.cooling, accountID)
	if _, owned := c.assigned[accountID]; !owned {
		c.unassigned[accountID] = struct{}{}
	}
	c.mu.Unlock()
	c.assignCycle()
}

// ResetDamping clears the reconnect history, used after an operator
// fixes credentials.
func (c *Controller) ResetDamping(accountID string) {
	c.mu.Lock()
	delete(c.history, accountID)
	c.mu.Unlock()
}

// assignCycle walks the unassigned set and hands each account to its
// rendezvous owner. Cycles never overlap; a trigger arriving mid-cycle
// schedules exactly one rerun.
func (c *Controller) assignCycle() {
	c.mu.Lock()
	if c.cycling {
		c.rerun = true
		c.mu.Unlock()
		return
	}
	c.cycling = true
	c.mu.Unlock()

	for {
		c.runCycle()
		c.mu.Lock()
		if !c.rerun {
			c.cycling = false
			c.mu.Unlock()
			return
		}
		c.rerun = false
		c.mu.Unlock()
	}
}

func (c *Controller) runCycle() {
	c.mu.Lock()
	if len(c.workers) == 0 || len(c.unassigned) == 0 {
		c.mu.Unlock()
		return
	}
	workerIDs := make([]string, 0, len(c.workers))
	for id := range c.workers {
		workerIDs = append(workerIDs, id)
	}
	sort.Strings(workerIDs)
	pending := make([]string, 0, len(c.unassigned))
	for id := range c.unassigned {
		pending = append(pending, id)
	}
	sort.Strings(pending)

	type pick struct {
		account string
		worker  WorkerHandle
	}
	picks := make([]pick, 0, len(pending))
	for _, account := range pending {
		owner := Rank(account, workerIDs)
		w := c.workers[owner]
		if w == nil {
			continue
		}
		delete(c.unassigned, account)
		c.assigned[account] = w
		c.workerAssigned[owner][account] = struct{}{}
		picks = append(picks, pick{account: account, worker: w})
	}
	c.mu.Unlock()

	// Assign RPCs run outside the lock; the cycle itself stays
	// serialized by the cycling flag.
	for _, p := range picks {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.worker.Assign(ctx, p.account)
		cancel()
		if err != nil {
			c.logger.Error("assign failed", "account", p.account, "worker", p.worker.ID(), "err", err)
			c.mu.Lock()
			c.dropLocked(p.account, p.worker)
			c.unassigned[p.account] = struct{}{}
			c.rerun = true
			c.mu.Unlock()
		}
	}
}

func (c *Controller) dropLocked(accountID string, owner WorkerHandle) {
	delete(c.assigned, accountID)
	if set := c.workerAssigned[owner.ID()]; set != nil {
		delete(set, accountID)
	}
}

// Owner reports the worker currently holding the account, used by the
// supervisor's RPC router.
func (c *Controller) Owner(accountID string) (WorkerHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.assigned[accountID]
	return w, ok
}

// Snapshot returns the current assignment for diagnostics.
func (c *Controller) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.assigned))
	for account, w := range c.assigned {
		out[account] = w.ID()
	}
	return out
}
