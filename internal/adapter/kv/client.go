package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the single durable backend of the engine. Everything the
// supervisor and the workers share lives behind this adapter: hashes,
// sorted sets, lists, atomic scripts and pub/sub.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// Config selects the Redis endpoint and the key namespace.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewStore(cfg Config, logger *slog.Logger) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{rdb: rdb, prefix: cfg.Prefix, logger: logger}
}

// NewStoreWithClient wraps an existing client. Used by tests running
// against miniredis.
func NewStoreWithClient(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *Store {
	return &Store{rdb: rdb, prefix: prefix, logger: logger}
}

// Client exposes the underlying connection for callers that need raw
// command access. Per-account keys stay single-writer by convention;
// cross-account structures go through scripts.
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// Key prepends the configured namespace.
func (s *Store) Key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 || k != "" {
			k += ":"
		}
		k += p
	}
	return k
}

// Ping verifies connectivity on startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

const (
	transportRetries   = 3
	transportBaseDelay = 250 * time.Millisecond
)

// Retry runs fn, retrying transport-level failures with exponential
// backoff before surfacing. Callers treat the surfaced error as fatal
// and let the supervisor restart them; in-flight reservations recover
// via lease expiry.
func (s *Store) Retry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := transportBaseDelay
	for attempt := 0; attempt < transportRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransport(err) {
			return err
		}
		s.logger.Warn("kv transport error, retrying", "op", op, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("kv: %s failed after %d attempts: %w", op, transportRetries, err)
}

func isTransport(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}
	var rerr redis.Error
	// redis.Error covers protocol-level replies (WRONGTYPE, script
	// errors); everything else is assumed to be the transport.
	return !errors.As(err, &rerr)
}

// Subscribe opens a pub/sub subscription on the given channels.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}

// Publish sends a pub/sub payload.
func (s *Store) Publish(ctx context.Context, channel string, payload any) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}
