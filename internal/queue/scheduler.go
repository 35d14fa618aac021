package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/imapmux/imapmux/internal/domain/model"
)

const schedulerInterval = time.Second

// Scheduler runs the delayed-to-pending promoter and the expired-lease
// reaper for every logical queue. One instance runs in the supervisor
// process; promotion itself is atomic, so an accidental second instance
// is harmless.
type Scheduler struct {
	engine *Engine
	queues []string
	logger *slog.Logger
	done   chan struct{}
	closed chan struct{}
}

func NewScheduler(engine *Engine, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		queues: []string{model.QueueSubmit, model.QueueNotify},
		logger: logger,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.run()
}

// Stop drains: the current tick finishes before Stop returns.
func (s *Scheduler) Stop() {
	close(s.done)
	<-s.closed
}

func (s *Scheduler) run() {
	defer close(s.closed)
	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), schedulerInterval)
	defer cancel()
	for _, q := range s.queues {
		if n, err := s.engine.Promote(ctx, q); err != nil {
			s.logger.Error("promoter tick failed", "queue", q, "err", err)
		} else if n > 0 {
			s.logger.Debug("promoted delayed jobs", "queue", q, "count", n)
		}
		if n, err := s.engine.Reap(ctx, q); err != nil {
			s.logger.Error("reaper tick failed", "queue", q, "err", err)
		} else if n > 0 {
			s.logger.Warn("requeued jobs with expired leases", "queue", q, "count", n)
		}
	}
}
