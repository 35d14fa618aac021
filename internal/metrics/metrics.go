// Package metrics owns the process-wide counters: a prometheus
// registry served over the API, mirrored into daily Redis counters with
// one-minute resolution for the built-in dashboards.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/imapmux/imapmux/internal/adapter/kv"
)

// Registry carries every metric handle. Constructors receive it
// explicitly; there is no package-level state.
type Registry struct {
	prom  *prometheus.Registry
	store *kv.Store

	retention time.Duration

	WebhookDuration *prometheus.HistogramVec
	WebhookStatus   *prometheus.CounterVec
	QueueJobs       *prometheus.CounterVec
	Connections     prometheus.Gauge
	Events          *prometheus.CounterVec
}

// Config bounds how long daily counters persist.
type Config struct {
	RetentionDays int
}

func NewRegistry(store *kv.Store, cfg Config) *Registry {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	r := &Registry{
		prom:      prometheus.NewRegistry(),
		store:     store,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}
	r.WebhookDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imapmux_webhook_duration_seconds",
		Help:    "Webhook POST latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})
	r.WebhookStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imapmux_webhook_requests_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"status"})
	r.QueueJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imapmux_queue_jobs_total",
		Help: "Queue jobs by queue and terminal outcome.",
	}, []string{"queue", "outcome"})
	r.Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imapmux_imap_connections",
		Help: "Live IMAP sessions across the worker pool.",
	})
	r.Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imapmux_events_total",
		Help: "Change events emitted by kind.",
	}, []string{"event"})
	r.prom.MustRegister(r.WebhookDuration, r.WebhookStatus, r.QueueJobs, r.Connections, r.Events)
	return r
}

// Prometheus exposes the underlying registry for the HTTP handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.prom }

// Count bumps a durable daily counter: stats:{counter}:{YYYYMMDD} with
// a minute-resolution subfield, expiring after retention plus a day.
func (r *Registry) Count(ctx context.Context, counter string, delta int64) error {
	now := time.Now().UTC()
	key := r.store.Key("stats", counter, now.Format("20060102"))
	field := now.Format("1504")
	pipe := r.store.Client().TxPipeline()
	pipe.HIncrBy(ctx, key, field, delta)
	pipe.Expire(ctx, key, r.retention+24*time.Hour)
	pipe.SAdd(ctx, r.store.Key("stats", "keys"), counter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metrics: count %s: %w", counter, err)
	}
	return nil
}
