// Package notifyworker drains the notify queue and POSTs event
// envelopes to the user-configured webhook endpoint.
package notifyworker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"

	"github.com/imapmux/imapmux/internal/domain/model"
	"github.com/imapmux/imapmux/internal/metrics"
	"github.com/imapmux/imapmux/internal/queue"
	"github.com/imapmux/imapmux/internal/settings"
)

const (
	leaseDuration  = 30 * time.Second
	idleSleep      = time.Second
	requestTimeout = 30 * time.Second
	routeCacheTTL  = 5 * time.Second
)

// Version and Homepage feed the User-Agent header.
var (
	Version  = "0.0.0"
	Homepage = "https://imapmux.dev"
)

// route is the cached webhook target resolved from settings.
type route struct {
	URL     string
	Enabled bool
	Events  map[string]struct{}
	Headers map[string]string
	Secret  string
}

type Worker struct {
	id       string
	engine   *queue.Engine
	settings *settings.Service
	metrics  *metrics.Registry
	client   *http.Client
	logger   *slog.Logger

	routes *expirable.LRU[string, *route]

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	done   chan struct{}
	closed chan struct{}
}

func NewWorker(id string, engine *queue.Engine, set *settings.Service, reg *metrics.Registry, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		engine:   engine,
		settings: set,
		metrics:  reg,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger.With("worker", id),
		routes:   expirable.NewLRU[string, *route](8, nil, routeCacheTTL),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (w *Worker) Start() { go w.run() }

func (w *Worker) Stop() {
	close(w.done)
	<-w.closed
}

func (w *Worker) run() {
	defer close(w.closed)
	for {
		select {
		case <-w.done:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*leaseDuration)
		job, err := w.engine.Reserve(ctx, model.QueueNotify, w.id, leaseDuration)
		if err != nil {
			cancel()
			w.logger.Error("reserve failed", "err", err)
			w.pause(idleSleep)
			continue
		}
		if job == nil {
			cancel()
			w.pause(idleSleep)
			continue
		}
		w.process(ctx, job)
		cancel()
	}
}

func (w *Worker) pause(d time.Duration) {
	select {
	case <-w.done:
	case <-time.After(d):
	}
}

func (w *Worker) process(ctx context.Context, job *model.Job) {
	ev := new(model.Event)
	if err := json.Unmarshal(job.Payload, ev); err != nil {
		_ = w.engine.Discard(ctx, job, err)
		return
	}

	result := w.deliver(ctx, job.Payload, ev)
	switch {
	case result.IsOk():
		if err := w.engine.Ack(ctx, job, result.Progress); err != nil && !errors.Is(err, queue.ErrStaleLease) {
			w.logger.Error("ack failed", "job", job.ID, "err", err)
		}
	case result.IsDiscard():
		if err := w.engine.Discard(ctx, job, result.Err); err != nil && !errors.Is(err, queue.ErrStaleLease) {
			w.logger.Error("discard failed", "job", job.ID, "err", err)
		}
	default:
		if _, err := w.engine.Fail(ctx, job, result.Err, true); err != nil && !errors.Is(err, queue.ErrStaleLease) {
			w.logger.Error("fail failed", "job", job.ID, "err", err)
		}
	}
}

func (w *Worker) deliver(ctx context.Context, body []byte, ev *model.Event) model.JobResult {
	rt, err := w.route(ctx)
	if err != nil {
		return model.Retry(err)
	}
	if !rt.Enabled || rt.URL == "" {
		return model.Ok("disabled")
	}
	if len(rt.Events) > 0 {
		if _, ok := rt.Events[string(ev.Event)]; !ok {
			return model.Ok("unsubscribed")
		}
	}

	target, authorization, err := splitUserinfo(rt.URL)
	if err != nil {
		return model.Discard(err)
	}

	start := time.Now()
	status, err := w.post(ctx, rt, target, authorization, body)
	elapsed := time.Since(start)

	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	w.metrics.WebhookDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	w.metrics.WebhookStatus.WithLabelValues(label).Inc()
	_ = w.metrics.Count(ctx, "webhooks", 1)

	switch {
	case err != nil:
		return model.Retry(err)
	case status >= 200 && status < 300:
		w.metrics.Events.WithLabelValues(string(ev.Event)).Inc()
		return model.Ok("delivered")
	case status == http.StatusNotFound || status == http.StatusGone:
		// The endpoint told us it is intentionally gone; stop the whole
		// pipeline rather than hammering it.
		if err := w.settings.DisableWebhooks(ctx, rt.URL, fmt.Sprintf("webhook endpoint answered %d", status)); err != nil {
			return model.Retry(err)
		}
		w.routes.Remove("config")
		w.logger.Warn("webhooks disabled by endpoint response", "status", status, "url", target)
		return model.Ok("endpoint-gone")
	default:
		return model.Retry(fmt.Errorf("webhook answered %d", status))
	}
}

func (w *Worker) post(ctx context.Context, rt *route, target, authorization string, body []byte) (int, error) {
	result, err := w.breaker(target).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", fmt.Sprintf("imapmux/%s (+%s)", Version, Homepage))
		req.Header.Set(SignatureHeader, Sign(rt.Secret, body))
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		for k, v := range rt.Headers {
			req.Header.Set(k, v)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

// breaker returns the per-host circuit breaker; a persistently failing
// endpoint short-circuits requests while the queue keeps backing off.
func (w *Worker) breaker(target string) *gobreaker.CircuitBreaker {
	host := target
	if u, err := url.Parse(target); err == nil {
		host = u.Host
	}
	w.breakerMu.Lock()
	defer w.breakerMu.Unlock()
	if cb, ok := w.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	w.breakers[host] = cb
	return cb
}

func (w *Worker) route(ctx context.Context) (*route, error) {
	if rt, ok := w.routes.Get("config"); ok {
		return rt, nil
	}
	enabled, err := w.settings.WebhooksEnabled(ctx)
	if err != nil {
		return nil, err
	}
	target, err := w.settings.WebhookURL(ctx)
	if err != nil {
		return nil, err
	}
	events, err := w.settings.WebhookEvents(ctx)
	if err != nil {
		return nil, err
	}
	headers, err := w.settings.CustomHeaders(ctx)
	if err != nil {
		return nil, err
	}
	secret, err := w.settings.ServiceSecret(ctx)
	if err != nil {
		return nil, err
	}
	rt := &route{URL: target, Enabled: enabled, Headers: headers, Secret: secret}
	if len(events) > 0 && events[0] != "*" {
		rt.Events = make(map[string]struct{}, len(events))
		for _, e := range events {
			rt.Events[e] = struct{}{}
		}
	}
	w.routes.Add("config", rt)
	return rt, nil
}

// splitUserinfo moves credentials embedded in the URL into an
// Authorization header so they never appear in request logs.
func splitUserinfo(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("webhook url: %w", err)
	}
	if u.User == nil {
		return raw, "", nil
	}
	user := u.User.Username()
	pass, _ := u.User.Password()
	u.User = nil
	cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return u.String(), "Basic " + cred, nil
}
