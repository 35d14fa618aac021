package cmd

import (
	"github.com/imapmux/imapmux/config"
	"github.com/imapmux/imapmux/internal/accounts"
	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/adapter/kv"
	httphandler "github.com/imapmux/imapmux/internal/handler/http"
	"github.com/imapmux/imapmux/internal/queue"
	"github.com/imapmux/imapmux/internal/settings"
	"github.com/imapmux/imapmux/internal/supervisor"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideZapLogger,
			ProvideLogger,
			ProvideKVConfig,
			ProvideRegistryConfig,
			ProvideMetricsConfig,
			ProvideMetrics,
			ProvideOAuthRefresher,
			ProvideDialer,
			ProvideSender,
			ProvideLogRing,
			ProvideTokens,
			ProvideOutbox,
			ProvideHTTPConfig,
			ProvideSupervisor,
		),
		kv.Module,
		bus.Module,
		settings.Module,
		accounts.Module,
		queue.Module,
		supervisor.Module,
		httphandler.Module,
	)
}
