package queue

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("queue",
	fx.Provide(
		NewEngine,
		fx.Annotate(
			func(e *Engine) Enqueuer { return e },
			fx.As(new(Enqueuer)),
		),
		NewScheduler,
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Scheduler) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { s.Start(); return nil },
			OnStop:  func(context.Context) error { s.Stop(); return nil },
		})
	}),
)
