package supervisor

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("supervisor",
	fx.Provide(
		func(s *Supervisor) *Router { return s.Router() },
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Supervisor) {
		lc.Append(fx.Hook{
			OnStart: s.Start,
			OnStop:  s.Stop,
		})
	}),
)
