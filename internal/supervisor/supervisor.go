package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imapmux/imapmux/internal/accounts"
	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/assign"
	"github.com/imapmux/imapmux/internal/domain/model"
	"github.com/imapmux/imapmux/internal/imapclient"
	"github.com/imapmux/imapmux/internal/metrics"
	"github.com/imapmux/imapmux/internal/outbox"
	"github.com/imapmux/imapmux/internal/queue"
	"github.com/imapmux/imapmux/internal/settings"
	"github.com/imapmux/imapmux/internal/smtpclient"
	"github.com/imapmux/imapmux/internal/smtpserver"
	"github.com/imapmux/imapmux/internal/tokens"
	imapworker "github.com/imapmux/imapmux/internal/worker/imap"
	notifyworker "github.com/imapmux/imapmux/internal/worker/notify"
	submitworker "github.com/imapmux/imapmux/internal/worker/submit"
)

const shutdownGrace = 2500 * time.Millisecond

// Config sizes the worker pools.
type Config struct {
	IMAPWorkers   int
	SubmitWorkers int
	NotifyWorkers int
	CallTimeout   time.Duration
	SMTP          smtpserver.Config
	MaxLogLines   int64
}

// Deps is everything the supervisor composes.
type Deps struct {
	Registry  accounts.Registrar
	Engine    *queue.Engine
	Blobs     *outbox.Store
	Bus       bus.Dispatcher
	Metrics   *metrics.Registry
	Settings  *settings.Service
	Tokens    *tokens.Service
	Dialer    imapclient.Dialer
	Sender    smtpclient.Sender
	Refresher imapworker.TokenSource
	Ring      *imapworker.LogRing
	Logger    *slog.Logger
}

// Supervisor spawns and monitors the worker pools, routes cross-worker
// calls, and owns the assignment controller. All of its maps are
// mutated only from its own goroutines behind the embedded locks.
type Supervisor struct {
	cfg  Config
	deps Deps

	controller *assign.Controller
	router     *Router

	mu          sync.Mutex
	imapWorkers []*imapworker.Worker
	smtpSrv     *smtpserver.Server
	closing     bool

	submitWorkers []*submitworker.Worker
	notifyWorkers []*notifyworker.Worker

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg Config, deps Deps) *Supervisor {
	if cfg.IMAPWorkers <= 0 {
		cfg.IMAPWorkers = 4
	}
	if cfg.SubmitWorkers <= 0 {
		cfg.SubmitWorkers = 1
	}
	if cfg.NotifyWorkers <= 0 {
		cfg.NotifyWorkers = 1
	}
	s := &Supervisor{cfg: cfg, deps: deps}
	s.controller = assign.NewController(deps.Registry, deps.Bus, deps.Logger)
	s.router = NewRouter(ownerAdapter{s.controller}, cfg.CallTimeout, deps.Logger)
	return s
}

// Router exposes the account-scoped call surface to the API and the
// submission workers.
func (s *Supervisor) Router() *Router { return s.router }

// Controller exposes assignment state for diagnostics.
func (s *Supervisor) Controller() *assign.Controller { return s.controller }

type ownerAdapter struct{ c *assign.Controller }

func (a ownerAdapter) Owner(account string) (any, bool) { return a.c.Owner(account) }

// Start brings the pools up and seeds assignment from the durable
// account set.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group

	for i := 0; i < s.cfg.IMAPWorkers; i++ {
		w := imapworker.NewWorker(fmt.Sprintf("imap-%d", i), imapworker.Deps{
			Registry:     s.deps.Registry,
			Enqueue:      s.deps.Engine,
			Dialer:       s.deps.Dialer,
			Tokens:       s.deps.Refresher,
			Ring:         s.deps.Ring,
			Bus:          s.deps.Bus,
			Sender:       s.deps.Sender,
			Blobs:        s.deps.Blobs,
			Logger:       s.deps.Logger,
			OnDisconnect: s.controller.Disconnected,
		})
		w.Serve(s.router.Resolve)
		s.mu.Lock()
		s.imapWorkers = append(s.imapWorkers, w)
		s.mu.Unlock()
		s.controller.WorkerReady(w)
	}

	for i := 0; i < s.cfg.SubmitWorkers; i++ {
		w := submitworker.NewWorker(fmt.Sprintf("submit-%d", i), s.deps.Engine, s.deps.Blobs, s.router, s.deps.Logger)
		w.Start()
		s.submitWorkers = append(s.submitWorkers, w)
	}
	for i := 0; i < s.cfg.NotifyWorkers; i++ {
		w := notifyworker.NewWorker(fmt.Sprintf("notify-%d", i), s.deps.Engine, s.deps.Settings, s.deps.Metrics, s.deps.Logger)
		w.Start()
		s.notifyWorkers = append(s.notifyWorkers, w)
	}

	if err := s.listen(groupCtx); err != nil {
		return err
	}

	ids, err := s.deps.Registry.IDs(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: seed accounts: %w", err)
	}
	s.controller.Seed(ids)

	if s.cfg.SMTP.Enabled {
		s.startSMTP(groupCtx)
	}
	group.Go(func() error { return s.gaugeLoop(groupCtx) })

	s.deps.Logger.Info("supervisor started",
		"imapWorkers", s.cfg.IMAPWorkers,
		"submitWorkers", s.cfg.SubmitWorkers,
		"notifyWorkers", s.cfg.NotifyWorkers,
		"accounts", len(ids))
	return nil
}

// listen wires the control bus into the assignment controller and the
// SMTP reload path.
func (s *Supervisor) listen(ctx context.Context) error {
	control, err := s.deps.Bus.Subscribe(ctx, model.TopicAccounts)
	if err != nil {
		return err
	}
	smtpReload, err := s.deps.Bus.Subscribe(ctx, model.TopicSMTP)
	if err != nil {
		return err
	}
	counters, err := s.deps.Bus.Subscribe(ctx, model.TopicMetrics)
	if err != nil {
		return err
	}
	s.group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cm, ok := <-control:
				if !ok {
					return nil
				}
				switch cm.Cmd {
				case model.CmdNew:
					s.controller.AccountNew(cm.Account)
				case model.CmdUpdate:
					s.controller.ResetDamping(cm.Account)
					s.controller.AccountUpdate(cm.Account)
				case model.CmdDelete:
					s.controller.AccountDelete(cm.Account)
				}
			}
		}
	})
	s.group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-smtpReload:
				if !ok {
					return nil
				}
				s.reloadSMTP(ctx)
			}
		}
	})
	s.group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cm, ok := <-counters:
				if !ok {
					return nil
				}
				if cm.Cmd == model.CmdMetrics && cm.Key != "" {
					if err := s.deps.Metrics.Count(ctx, cm.Key, cm.Value); err != nil {
						s.deps.Logger.Warn("counter write failed", "key", cm.Key, "err", err)
					}
				}
			}
		}
	})
	return nil
}

func (s *Supervisor) startSMTP(ctx context.Context) {
	srv := smtpserver.NewServer(s.cfg.SMTP, s.deps.Registry, s.deps.Tokens, s.deps.Blobs, s.deps.Engine, s.deps.Logger)
	s.mu.Lock()
	s.smtpSrv = srv
	s.mu.Unlock()
	s.group.Go(func() error {
		// Restart on unexpected exit with a short backoff, unless the
		// supervisor is closing.
		for {
			err := srv.Serve()
			s.mu.Lock()
			closing := s.closing
			current := s.smtpSrv == srv
			s.mu.Unlock()
			if closing || !current || ctx.Err() != nil {
				return nil
			}
			s.deps.Logger.Error("smtp reception exited, restarting", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	})
}

// reloadSMTP terminates the current reception listener and spawns a new
// one when the feature is still enabled.
func (s *Supervisor) reloadSMTP(ctx context.Context) {
	s.mu.Lock()
	srv := s.smtpSrv
	s.smtpSrv = nil
	s.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
	var enabled bool
	if _, err := s.deps.Settings.Get(ctx, settings.KeySMTPEnabled, &enabled); err != nil {
		s.deps.Logger.Error("smtp reload: read setting", "err", err)
		return
	}
	if enabled {
		s.startSMTP(ctx)
	} else {
		s.deps.Logger.Info("smtp reception disabled")
	}
}

// gaugeLoop keeps the connection gauge in step with the pool.
func (s *Supervisor) gaugeLoop(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			total := 0
			s.mu.Lock()
			for _, w := range s.imapWorkers {
				total += w.Connections()
			}
			s.mu.Unlock()
			s.deps.Metrics.Connections.Set(float64(total))
		}
	}
}

// Stop drains: schedulers and consumers stop accepting work, then the
// process waits out the grace period. Active jobs left behind surface
// again through lease expiry on next startup.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	smtpSrv := s.smtpSrv
	s.smtpSrv = nil
	workers := s.imapWorkers
	s.mu.Unlock()

	if smtpSrv != nil {
		_ = smtpSrv.Close()
	}
	for _, w := range s.submitWorkers {
		w.Stop()
	}
	for _, w := range s.notifyWorkers {
		w.Stop()
	}

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			s.controller.WorkerExit(w.ID())
			w.Shutdown()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.group != nil {
			_ = s.group.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.deps.Logger.Warn("shutdown grace elapsed, exiting with sessions still open")
	}
	return nil
}
