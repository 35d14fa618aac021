// Package submitworker drains the submit queue: each job references a
// durable message blob, which is carried to the account's owning IMAP
// worker for SMTP delivery.
package submitworker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/imapmux/imapmux/internal/domain/model"
	"github.com/imapmux/imapmux/internal/outbox"
	"github.com/imapmux/imapmux/internal/queue"
)

const (
	leaseDuration = time.Minute
	idleSleep     = time.Second
)

// Router is the supervisor's account-scoped call surface.
type Router interface {
	Call(ctx context.Context, account, op string, params any) (any, error)
}

type Worker struct {
	id     string
	engine *queue.Engine
	blobs  *outbox.Store
	router Router
	logger *slog.Logger

	done   chan struct{}
	closed chan struct{}
}

func NewWorker(id string, engine *queue.Engine, blobs *outbox.Store, router Router, logger *slog.Logger) *Worker {
	return &Worker{
		id:     id,
		engine: engine,
		blobs:  blobs,
		router: router,
		logger: logger.With("worker", id),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
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
		job, err := w.engine.Reserve(ctx, model.QueueSubmit, w.id, leaseDuration)
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
	payload := new(model.SubmitPayload)
	if err := json.Unmarshal(job.Payload, payload); err != nil {
		// Poison payload: terminal without retry, nothing to clean up.
		_ = w.engine.Discard(ctx, job, err)
		return
	}
	queueID := payload.EffectiveQueueID()

	result := w.attempt(ctx, job, payload.Account, queueID)
	switch {
	case result.IsOk():
		if err := w.engine.Ack(ctx, job, result.Progress); err != nil && !errors.Is(err, queue.ErrStaleLease) {
			w.logger.Error("ack failed", "job", job.ID, "err", err)
		}
		if result.Progress == "submitted" {
			w.finish(ctx, payload.Account, queueID, true, "")
		}
	case result.IsDiscard():
		if err := w.engine.Discard(ctx, job, result.Err); err != nil && !errors.Is(err, queue.ErrStaleLease) {
			w.logger.Error("discard failed", "job", job.ID, "err", err)
		}
		w.finish(ctx, payload.Account, queueID, false, errString(result.Err))
	default:
		terminal, err := w.engine.Fail(ctx, job, result.Err, true)
		if err != nil && !errors.Is(err, queue.ErrStaleLease) {
			w.logger.Error("fail failed", "job", job.ID, "err", err)
			return
		}
		if terminal {
			w.finish(ctx, payload.Account, queueID, false, errString(result.Err))
		}
	}
}

// attempt performs one delivery try and maps the outcome onto the
// Ok / Retry / Discard variant the queue engine acts on.
func (w *Worker) attempt(ctx context.Context, job *model.Job, account, queueID string) model.JobResult {
	if _, err := w.blobs.Get(ctx, account, queueID); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			// Raced with account deletion; drop the job silently.
			return model.Ok("discarded")
		}
		return model.Retry(err)
	}

	if err := w.engine.Progress(ctx, job, "processing"); err != nil {
		w.logger.Warn("progress write failed", "job", job.ID, "err", err)
	}

	_, err := w.router.Call(ctx, account, model.OpSubmitMessage, &submitParams{QueueID: queueID})
	if err == nil {
		return model.Ok("submitted")
	}
	var me *model.Error
	if errors.As(err, &me) {
		// Permanent upstream SMTP rejections must not be retried; a
		// temporarily unowned account (503) or timeout (504) is routing
		// noise and retries on the default schedule.
		if me.StatusCode >= 500 && me.Code == model.CodeSubmitFailed {
			return model.Discard(me)
		}
	}
	return model.Retry(err)
}

type submitParams struct {
	QueueID string `json:"queueId"`
}

// finish runs the terminal bookkeeping: the blob goes away only once
// the job is terminal, and the user learns the outcome through a
// notification event.
func (w *Worker) finish(ctx context.Context, account, queueID string, sent bool, detail string) {
	if err := w.blobs.Delete(ctx, account, queueID); err != nil {
		w.logger.Warn("blob cleanup failed", "account", account, "queueId", queueID, "err", err)
	}
	kind := model.EventMessageSent
	data := map[string]any{"queueId": queueID}
	if !sent {
		kind = model.EventMessageFailed
		data["error"] = detail
	}
	ev := model.NewEvent(account, kind, data)
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := w.engine.Enqueue(ctx, model.QueueNotify, payload, queue.Options{
		Attempts:  10,
		BaseDelay: 5 * time.Second,
	}); err != nil {
		w.logger.Error("terminal notification enqueue failed", "account", account, "err", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
