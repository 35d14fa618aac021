package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/imapmux/imapmux/internal/adapter/kv"
	"github.com/imapmux/imapmux/internal/domain/model"
	"github.com/imapmux/imapmux/internal/settings"
)

// ErrStaleLease is returned when an ack or fail arrives after the
// job's lease expired and the job was handed out again.
var ErrStaleLease = errors.New("queue: lease no longer held")

// Options tunes one enqueued job.
type Options struct {
	Attempts  int
	BaseDelay time.Duration
	Delay     time.Duration
	Priority  int

	// DedupeKey replaces any still-pending job enqueued under the same
	// key (last-write-wins). Submission jobs use the queueId here.
	DedupeKey string
}

// Enqueuer is the narrow producer-side contract handed to event
// emitters.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (string, error)
}

// Engine is the durable at-least-once work queue on top of the KV
// store. One Engine serves every logical queue.
type Engine struct {
	store    *kv.Store
	settings *settings.Service
	logger   *slog.Logger
}

func NewEngine(store *kv.Store, set *settings.Service, logger *slog.Logger) *Engine {
	return &Engine{store: store, settings: set, logger: logger}
}

func (e *Engine) k(queue string, parts ...string) string {
	return e.store.Key(append([]string{"bull", queue}, parts...)...)
}

func (e *Engine) jobPrefix(queue string) string   { return e.k(queue, "job") + ":" }
func (e *Engine) leasePrefix(queue string) string { return e.k(queue, "lease") + ":" }

// Enqueue durably writes the job before returning its id.
func (e *Engine) Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (string, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	now := time.Now()
	var id string
	err := e.store.Retry(ctx, "queue.enqueue", func() error {
		res, err := enqueueScript.Run(ctx, e.store.Client(),
			[]string{e.k(queue, "id"), e.k(queue, "seq"), e.k(queue, "pending"), e.k(queue, "delayed"), e.k(queue, "dedupe")},
			payload,
			opts.Attempts,
			opts.BaseDelay.Milliseconds(),
			opts.Priority,
			opts.Delay.Milliseconds(),
			now.UnixMilli(),
			e.jobPrefix(queue),
			opts.DedupeKey,
			now.UTC().Format(time.RFC3339Nano),
		).Result()
		if err != nil {
			return err
		}
		id, _ = res.(string)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("queue: enqueue on %s: %w", queue, err)
	}
	return id, nil
}

// Reserve atomically moves the highest-priority visible pending job
// into active under a fresh lease. Returns nil when the queue is empty.
func (e *Engine) Reserve(ctx context.Context, queue, workerID string, lease time.Duration) (*model.Job, error) {
	leaseID := workerID + ":" + uuid.NewString()
	res, err := reserveScript.Run(ctx, e.store.Client(),
		[]string{e.k(queue, "pending"), e.k(queue, "active")},
		lease.Milliseconds(),
		e.leasePrefix(queue),
		leaseID,
		e.jobPrefix(queue),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reserve on %s: %w", queue, err)
	}
	id, _ := res.(string)
	job, err := e.Job(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	job.LeaseID = leaseID
	return job, nil
}

// Job loads one job record. Returns nil when it no longer exists.
func (e *Engine) Job(ctx context.Context, queue, id string) (*model.Job, error) {
	raw, err := e.store.Client().HGetAll(ctx, e.jobPrefix(queue)+id).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	job := &model.Job{
		ID:       id,
		Queue:    queue,
		Payload:  []byte(raw["payload"]),
		Status:   model.JobStatus(raw["status"]),
		Progress: raw["progress"],
	}
	job.AttemptsMade, _ = strconv.Atoi(raw["attemptsMade"])
	job.MaxAttempts, _ = strconv.Atoi(raw["maxAttempts"])
	job.Priority, _ = strconv.Atoi(raw["priority"])
	if ms, err := strconv.ParseInt(raw["baseDelayMs"], 10, 64); err == nil {
		job.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(raw["nextVisibleAt"], 10, 64); err == nil {
		job.NextVisibleAt = time.UnixMilli(ms)
	}
	if t, err := time.Parse(time.RFC3339Nano, raw["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, raw["finishedAt"]); err == nil {
		job.FinishedAt = t
	}
	return job, nil
}

// Progress records an intermediate marker on an active job.
func (e *Engine) Progress(ctx context.Context, job *model.Job, progress string) error {
	job.Progress = progress
	return e.store.Client().HSet(ctx, e.jobPrefix(job.Queue)+job.ID, "progress", progress).Err()
}

// Ack marks the job completed, retains it per the queueKeep policy and
// releases the lease.
func (e *Engine) Ack(ctx context.Context, job *model.Job, progress string) error {
	return e.finish(ctx, job, model.JobCompleted, progress)
}

// Fail records a failed attempt. With retry requested and attempts
// remaining, the job is rescheduled after baseDelay·2^(attemptsMade-1);
// otherwise it terminal-fails. Reports whether the job is now terminal.
func (e *Engine) Fail(ctx context.Context, job *model.Job, jobErr error, retry bool) (bool, error) {
	if retry && job.AttemptsMade < job.MaxAttempts {
		delay := job.BaseDelay
		for i := 1; i < job.AttemptsMade; i++ {
			delay *= 2
		}
		visibleAt := time.Now().Add(delay).UnixMilli()
		res, err := retryScript.Run(ctx, e.store.Client(),
			[]string{e.k(job.Queue, "active"), e.k(job.Queue, "delayed")},
			job.ID,
			e.leasePrefix(job.Queue),
			job.LeaseID,
			e.jobPrefix(job.Queue),
			visibleAt,
			errText(jobErr),
		).Int()
		if err != nil {
			return false, fmt.Errorf("queue: retry %s: %w", job.ID, err)
		}
		if res == 0 {
			return false, ErrStaleLease
		}
		return false, nil
	}
	if err := e.finish(ctx, job, model.JobFailed, errText(jobErr)); err != nil {
		return false, err
	}
	return true, nil
}

// Discard terminal-fails without further retry regardless of attempts
// left. Used after permanent upstream errors.
func (e *Engine) Discard(ctx context.Context, job *model.Job, jobErr error) error {
	return e.finish(ctx, job, model.JobFailed, errText(jobErr))
}

func (e *Engine) finish(ctx context.Context, job *model.Job, status model.JobStatus, detail string) error {
	keep, err := e.settings.QueueKeep(ctx)
	if err != nil {
		return err
	}
	retention := e.k(job.Queue, "completed")
	if status == model.JobFailed {
		retention = e.k(job.Queue, "failed")
	}
	res, err := finishScript.Run(ctx, e.store.Client(),
		[]string{e.k(job.Queue, "active"), retention},
		job.ID,
		e.leasePrefix(job.Queue),
		job.LeaseID,
		e.jobPrefix(job.Queue),
		keep,
		time.Now().UTC().Format(time.RFC3339Nano),
		detail,
		string(status),
	).Int()
	if err != nil {
		return fmt.Errorf("queue: finish %s: %w", job.ID, err)
	}
	if res == 0 {
		return ErrStaleLease
	}
	return nil
}

// Promote moves delayed jobs whose visibility time has arrived into
// pending. Called by the scheduler once a second.
func (e *Engine) Promote(ctx context.Context, queue string) (int, error) {
	n, err := promoteScript.Run(ctx, e.store.Client(),
		[]string{e.k(queue, "delayed"), e.k(queue, "pending"), e.k(queue, "seq")},
		time.Now().UnixMilli(),
		e.jobPrefix(queue),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: promote %s: %w", queue, err)
	}
	return n, nil
}

// Reap returns active jobs with expired leases to pending. Stale
// workers that come back later hit ErrStaleLease on ack.
func (e *Engine) Reap(ctx context.Context, queue string) (int, error) {
	n, err := reapScript.Run(ctx, e.store.Client(),
		[]string{e.k(queue, "active"), e.k(queue, "pending"), e.k(queue, "seq")},
		e.jobPrefix(queue),
		e.leasePrefix(queue),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: reap %s: %w", queue, err)
	}
	return n, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
