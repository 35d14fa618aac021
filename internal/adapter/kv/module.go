package kv

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("kv",
	fx.Provide(NewStore),
	fx.Invoke(func(lc fx.Lifecycle, s *Store) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error { return s.Ping(ctx) },
			OnStop:  func(context.Context) error { return s.Close() },
		})
	}),
)
