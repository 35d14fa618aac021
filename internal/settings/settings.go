package settings

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/adapter/kv"
	"github.com/imapmux/imapmux/internal/domain/model"
)

// Known settings keys. Values are stored JSON-encoded inside the
// settings hash; scalar strings written by older tooling still decode.
const (
	KeyWebhooks         = "webhooks"
	KeyWebhooksEnabled  = "webhooksEnabled"
	KeyWebhookEvents    = "webhookEvents"
	KeyCustomHeaders    = "webhooksCustomHeaders"
	KeyNotifyText       = "notifyText"
	KeyNotifyTextSize   = "notifyTextSize"
	KeyQueueKeep        = "queueKeep"
	KeyMaxLogLines      = "maxLogLines"
	KeyServiceSecret    = "serviceSecret"
	KeySMTPEnabled      = "smtpServerEnabled"
	KeyWebhookErrorFlag = "webhookErrorFlag"
	KeyAdminPassword    = "adminPassword"
)

const (
	DefaultQueueKeep   = 100
	DefaultMaxLogLines = 10000
)

// WebhookErrorFlag is the durable warning raised when the configured
// endpoint reports itself permanently gone.
type WebhookErrorFlag struct {
	Message string    `json:"message"`
	URL     string    `json:"url"`
	Time    time.Time `json:"time"`
}

// Service reads and writes global runtime settings. Writes publish a
// settings control message so every worker picks the change up live.
type Service struct {
	store  *kv.Store
	bus    bus.Dispatcher
	logger *slog.Logger
}

func NewService(store *kv.Store, dispatcher bus.Dispatcher, logger *slog.Logger) *Service {
	return &Service{store: store, bus: dispatcher, logger: logger}
}

func (s *Service) key() string { return s.store.Key("settings") }

// Get decodes a settings entry into out. Returns false when unset.
func (s *Service) Get(ctx context.Context, name string, out any) (bool, error) {
	raw, err := s.store.Client().HGet(ctx, s.key(), name).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settings: read %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		// Entries may be bare scalars written outside the JSON
		// convention; retry as a string.
		if sp, ok := out.(*string); ok {
			*sp = raw
			return true, nil
		}
		return false, fmt.Errorf("settings: decode %s: %w", name, err)
	}
	return true, nil
}

// Set writes a settings entry and broadcasts the change.
func (s *Service) Set(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", name, err)
	}
	if err := s.store.Client().HSet(ctx, s.key(), name, string(raw)).Err(); err != nil {
		return fmt.Errorf("settings: write %s: %w", name, err)
	}
	return s.bus.Publish(ctx, model.TopicSettings, &model.ControlMessage{Cmd: model.CmdSettings, Key: name})
}

// WebhooksEnabled defaults to true when a webhook URL is configured.
func (s *Service) WebhooksEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	ok, err := s.Get(ctx, KeyWebhooksEnabled, &enabled)
	if err != nil {
		return false, err
	}
	if !ok {
		url, err := s.WebhookURL(ctx)
		return url != "", err
	}
	return enabled, nil
}

func (s *Service) WebhookURL(ctx context.Context) (string, error) {
	var url string
	_, err := s.Get(ctx, KeyWebhooks, &url)
	return url, err
}

// WebhookEvents returns the subscribed kinds; empty or "*" means all.
func (s *Service) WebhookEvents(ctx context.Context) ([]string, error) {
	var events []string
	_, err := s.Get(ctx, KeyWebhookEvents, &events)
	return events, err
}

func (s *Service) CustomHeaders(ctx context.Context) (map[string]string, error) {
	var headers map[string]string
	_, err := s.Get(ctx, KeyCustomHeaders, &headers)
	return headers, err
}

// QueueKeep is the retention bound for completed and failed queue
// entries. Zero means retain none; unset falls back to the default.
func (s *Service) QueueKeep(ctx context.Context) (int64, error) {
	var keep int64
	ok, err := s.Get(ctx, KeyQueueKeep, &keep)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultQueueKeep, nil
	}
	if keep < 0 {
		keep = 0
	}
	return keep, nil
}

func (s *Service) MaxLogLines(ctx context.Context) (int64, error) {
	var lines int64
	ok, err := s.Get(ctx, KeyMaxLogLines, &lines)
	if err != nil || !ok {
		return DefaultMaxLogLines, err
	}
	return lines, nil
}

// DisableWebhooks flips the global flag and records a durable warning.
// Invoked when the endpoint answers 404 or 410.
func (s *Service) DisableWebhooks(ctx context.Context, url, reason string) error {
	if err := s.Set(ctx, KeyWebhooksEnabled, false); err != nil {
		return err
	}
	return s.Set(ctx, KeyWebhookErrorFlag, &WebhookErrorFlag{
		Message: reason,
		URL:     url,
		Time:    time.Now().UTC(),
	})
}

// ServiceSecret returns the symmetric secret used for webhook HMAC
// signatures, generating and persisting one on first start.
func (s *Service) ServiceSecret(ctx context.Context) (string, error) {
	var secret string
	ok, err := s.Get(ctx, KeyServiceSecret, &secret)
	if err != nil {
		return "", err
	}
	if ok && secret != "" {
		return secret, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("settings: generate service secret: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(buf)
	// SETNX semantics: a concurrent starter may have won the race.
	set, err := s.store.Client().HSetNX(ctx, s.key(), KeyServiceSecret, mustJSON(secret)).Result()
	if err != nil {
		return "", fmt.Errorf("settings: persist service secret: %w", err)
	}
	if !set {
		_, err = s.Get(ctx, KeyServiceSecret, &secret)
		return secret, err
	}
	s.logger.Info("generated new service secret")
	return secret, nil
}

func mustJSON(v any) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
