package httphandler

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/fx"
)

var Module = fx.Module("http-handler",
	fx.Provide(NewAPI),
	fx.Invoke(func(lc fx.Lifecycle, api *API) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := api.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						api.logger.Error("api server exited", "err", err)
					}
				}()
				return nil
			},
		})
	}),
)
