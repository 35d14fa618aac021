package cmd

import (
	"fmt"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/imapmux/imapmux/config"
	"github.com/imapmux/imapmux/internal/accounts"
	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/adapter/kv"
	httphandler "github.com/imapmux/imapmux/internal/handler/http"
	"github.com/imapmux/imapmux/internal/imapclient"
	"github.com/imapmux/imapmux/internal/metrics"
	"github.com/imapmux/imapmux/internal/oauth"
	"github.com/imapmux/imapmux/internal/outbox"
	"github.com/imapmux/imapmux/internal/queue"
	"github.com/imapmux/imapmux/internal/settings"
	"github.com/imapmux/imapmux/internal/smtpclient"
	"github.com/imapmux/imapmux/internal/smtpserver"
	"github.com/imapmux/imapmux/internal/supervisor"
	"github.com/imapmux/imapmux/internal/tokens"
	imapworker "github.com/imapmux/imapmux/internal/worker/imap"
)

func ProvideZapLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// ProvideLogger exposes the structured logger as the slog facade every
// constructor takes.
func ProvideLogger(z *zap.Logger) *slog.Logger {
	return slog.New(zapslog.NewHandler(z.Core()))
}

func ProvideKVConfig(cfg *config.Config) kv.Config {
	return kv.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	}
}

func ProvideRegistryConfig(cfg *config.Config) accounts.RegistryConfig {
	return accounts.RegistryConfig{EncryptionSecret: cfg.EncryptionSecret}
}

func ProvideMetricsConfig(cfg *config.Config) metrics.Config {
	return metrics.Config{RetentionDays: cfg.Metrics.RetentionDays}
}

func ProvideMetrics(store *kv.Store, mcfg metrics.Config) *metrics.Registry {
	return metrics.NewRegistry(store, mcfg)
}

func ProvideOAuthRefresher(cfg *config.Config) imapworker.TokenSource {
	providers := make(map[string]oauth.ClientCredentials, len(cfg.OAuth))
	for name, creds := range cfg.OAuth {
		providers[name] = oauth.ClientCredentials{ClientID: creds.ClientID, ClientSecret: creds.ClientSecret}
	}
	return oauth.NewRefresher(oauth.Config{Providers: providers})
}

func ProvideDialer() imapclient.Dialer { return imapclient.NewDialer() }

func ProvideSender() smtpclient.Sender { return smtpclient.NewSender() }

func ProvideLogRing(cfg *config.Config, store *kv.Store) *imapworker.LogRing {
	return imapworker.NewLogRing(store, cfg.MaxLogLines)
}

func ProvideTokens(store *kv.Store) *tokens.Service { return tokens.NewService(store) }

func ProvideOutbox(store *kv.Store) *outbox.Store { return outbox.NewStore(store) }

func ProvideHTTPConfig(cfg *config.Config) httphandler.Config {
	return httphandler.Config{Addr: cfg.HTTP.Addr}
}

func ProvideSupervisor(
	cfg *config.Config,
	registry accounts.Registrar,
	engine *queue.Engine,
	blobs *outbox.Store,
	dispatcher bus.Dispatcher,
	reg *metrics.Registry,
	set *settings.Service,
	tok *tokens.Service,
	dialer imapclient.Dialer,
	sender smtpclient.Sender,
	refresher imapworker.TokenSource,
	ring *imapworker.LogRing,
	logger *slog.Logger,
) *supervisor.Supervisor {
	return supervisor.New(supervisor.Config{
		IMAPWorkers:   cfg.Workers.IMAP,
		SubmitWorkers: cfg.Workers.Submit,
		NotifyWorkers: cfg.Workers.Notify,
		CallTimeout:   cfg.CallTimeout,
		SMTP:          smtpserver.Config{Addr: cfg.SMTPServer.Addr, Enabled: cfg.SMTPServer.Enabled},
		MaxLogLines:   cfg.MaxLogLines,
	}, supervisor.Deps{
		Registry:  registry,
		Engine:    engine,
		Blobs:     blobs,
		Bus:       dispatcher,
		Metrics:   reg,
		Settings:  set,
		Tokens:    tok,
		Dialer:    dialer,
		Sender:    sender,
		Refresher: refresher,
		Ring:      ring,
		Logger:    logger,
	})
}
