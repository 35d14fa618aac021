package imapworker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/imapmux/imapmux/internal/accounts"
	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/domain/model"
	"github.com/imapmux/imapmux/internal/imapclient"
	"github.com/imapmux/imapmux/internal/outbox"
	"github.com/imapmux/imapmux/internal/queue"
	"github.com/imapmux/imapmux/internal/smtpclient"
)

const mailboxSize = 256

// Worker hosts a set of per-account sessions. It is one member of the
// IMAP pool; the assignment controller decides which accounts it owns.
type Worker struct {
	id   string
	deps *deps

	sender smtpclient.Sender
	blobs  *outbox.Store

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	// calls is the worker mailbox: the supervisor's router submits
	// account-scoped requests here and the serve loop answers them.
	calls   chan *model.Call
	resolve func(*model.CallResult)
	done    chan struct{}
}

// Deps bundles worker construction inputs.
type Deps struct {
	Registry accounts.Registrar
	Enqueue  queue.Enqueuer
	Dialer   imapclient.Dialer
	Tokens   TokenSource
	Ring     *LogRing
	Bus      bus.Dispatcher
	Sender   smtpclient.Sender
	Blobs    *outbox.Store
	Logger   *slog.Logger

	OnDisconnect func(account string)
}

func NewWorker(id string, d Deps) *Worker {
	w := &Worker{
		id: id,
		deps: &deps{
			registry: d.Registry,
			enqueue:  d.Enqueue,
			dialer:   d.Dialer,
			tokens:   d.Tokens,
			ring:     d.Ring,
			bus:      d.Bus,
			logger:   d.Logger.With("worker", id),
		},
		sender:   d.Sender,
		blobs:    d.Blobs,
		sessions: make(map[string]*Session),
		calls:    make(chan *model.Call, mailboxSize),
		done:     make(chan struct{}),
	}
	w.deps.onDisconnect = func(account string) {
		w.drop(account)
		if d.OnDisconnect != nil {
			d.OnDisconnect(account)
		}
	}
	return w
}

func (w *Worker) ID() string { return w.id }

// Serve runs the RPC loop until Shutdown. resolve delivers answers back
// to the supervisor's correlation map.
func (w *Worker) Serve(resolve func(*model.CallResult)) {
	w.resolve = resolve
	go func() {
		for {
			select {
			case <-w.done:
				return
			case call := <-w.calls:
				w.handle(call)
			}
		}
	}()
}

// Submit places a call in the worker mailbox. A full mailbox rejects
// instead of blocking the router.
func (w *Worker) Submit(call *model.Call) bool {
	select {
	case w.calls <- call:
		return true
	default:
		return false
	}
}

// Assign opens a session for the account. The controller guarantees no
// other worker owns it.
func (w *Worker) Assign(ctx context.Context, accountID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("worker %s: closed", w.id)
	}
	if _, ok := w.sessions[accountID]; ok {
		return nil
	}
	w.sessions[accountID] = newSession(accountID, w.deps)
	w.deps.logger.Info("account assigned", "account", accountID)
	return nil
}

// Unassign closes the account's session if this worker holds it.
func (w *Worker) Unassign(ctx context.Context, accountID string) {
	w.mu.Lock()
	sess := w.sessions[accountID]
	delete(w.sessions, accountID)
	w.mu.Unlock()
	if sess != nil {
		sess.Stop()
		w.deps.logger.Info("account released", "account", accountID)
	}
}

// drop removes bookkeeping for a session that died on its own; the
// session goroutine is already exiting.
func (w *Worker) drop(accountID string) {
	w.mu.Lock()
	delete(w.sessions, accountID)
	w.mu.Unlock()
}

// Owns reports whether the worker currently holds the account.
func (w *Worker) Owns(accountID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[accountID]
	return ok
}

// Connections returns the live session count, used for metrics.
func (w *Worker) Connections() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

// Shutdown stops the serve loop and every session.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	sessions := make([]*Session, 0, len(w.sessions))
	for _, s := range w.sessions {
		sessions = append(sessions, s)
	}
	w.sessions = make(map[string]*Session)
	w.mu.Unlock()

	close(w.done)
	for _, s := range sessions {
		s.Stop()
	}
}
