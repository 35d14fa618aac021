package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imapmux/imapmux/internal/domain/model"
)

const DefaultCallTimeout = 10 * time.Second

// callTarget is anything that accepts routed calls into its mailbox.
// The IMAP worker implements it.
type callTarget interface {
	Submit(call *model.Call) bool
}

// OwnerLookup resolves the worker currently holding an account.
type OwnerLookup interface {
	Owner(account string) (owner any, ok bool)
}

// Router correlates requests with replies by message id. Each
// outstanding call owns a timer; expiry drops the entry and the late
// reply, if any, is discarded.
type Router struct {
	owners  OwnerLookup
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *model.CallResult
}

func NewRouter(owners OwnerLookup, timeout time.Duration, logger *slog.Logger) *Router {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Router{
		owners:  owners,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]chan *model.CallResult),
	}
}

// Call routes an account-scoped operation to the owning worker and
// waits for the correlated reply.
func (r *Router) Call(ctx context.Context, account, op string, params any) (any, error) {
	owner, ok := r.owners.Owner(account)
	if !ok {
		return nil, model.ErrNoActiveHandler(account)
	}
	target, ok := owner.(callTarget)
	if !ok {
		return nil, model.ErrNoActiveHandler(account)
	}

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, model.NewError(model.CodeInvalidInput, 400, "encode params: %v", err)
		}
		raw = encoded
	}

	mid := uuid.NewString()
	ch := make(chan *model.CallResult, 1)
	r.mu.Lock()
	r.pending[mid] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, mid)
		r.mu.Unlock()
	}()

	if !target.Submit(&model.Call{MID: mid, Account: account, Op: op, Params: raw}) {
		return nil, model.NewError(model.CodeNoActiveHandler, 503, "worker mailbox full for account %s", account)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Response, nil
	case <-timer.C:
		return nil, model.ErrTimeout()
	case <-ctx.Done():
		return nil, model.ErrTimeout()
	}
}

// Resolve delivers a worker's reply. Replies for expired or unknown
// mids are dropped; the caller already got a Timeout.
func (r *Router) Resolve(res *model.CallResult) {
	r.mu.Lock()
	ch, ok := r.pending[res.MID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("discarding stale reply", "mid", res.MID)
		return
	}
	select {
	case ch <- res:
	default:
	}
}
