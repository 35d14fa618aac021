package model

import (
	"encoding/json"
	"time"
)

// Queue names understood by the engine.
const (
	QueueSubmit = "submit"
	QueueNotify = "notify"
)

// JobStatus is the durable lifecycle marker of a queue job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one unit of queued work. Payload is opaque to the queue engine.
type Job struct {
	ID            string        `json:"id"`
	Queue         string        `json:"queue"`
	Payload       []byte        `json:"payload"`
	AttemptsMade  int           `json:"attemptsMade"`
	MaxAttempts   int           `json:"maxAttempts"`
	BaseDelay     time.Duration `json:"baseDelayMs"`
	Priority      int           `json:"priority"`
	NextVisibleAt time.Time     `json:"nextVisibleAt"`
	Status        JobStatus     `json:"status"`
	Progress      string        `json:"progress,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	FinishedAt    time.Time     `json:"finishedAt,omitempty"`

	// LeaseID fences stale workers: ack/fail only succeed while the
	// reservation that produced this copy of the job still holds the lease.
	LeaseID string `json:"-"`
}

// SubmitPayload references a durable message blob stored under the
// account's iaq hash, so the message survives even if the job is lost.
type SubmitPayload struct {
	Account   string `json:"account"`
	QueueID   string `json:"queueId"`
	MessageID string `json:"messageId,omitempty"`

	// LegacyQueueID accepts the historical qId alias on read. Writers
	// emit queueId only.
	LegacyQueueID string `json:"qId,omitempty"`
}

// EffectiveQueueID resolves the queueId/qId alias pair.
func (p *SubmitPayload) EffectiveQueueID() string {
	if p.QueueID != "" {
		return p.QueueID
	}
	return p.LegacyQueueID
}

// MarshalJSON drops the legacy alias so only queueId reaches the wire.
func (p SubmitPayload) MarshalJSON() ([]byte, error) {
	type wire struct {
		Account   string `json:"account"`
		QueueID   string `json:"queueId"`
		MessageID string `json:"messageId,omitempty"`
	}
	return json.Marshal(wire{Account: p.Account, QueueID: p.EffectiveQueueID(), MessageID: p.MessageID})
}

// JobResult is the explicit outcome variant a job handler returns; the
// consuming worker maps it onto queue operations instead of acting on
// thrown errors.
type JobResult struct {
	kind     resultKind
	Progress string
	Err      error
}

type resultKind int

const (
	resultOk resultKind = iota
	resultRetry
	resultDiscard
)

// Ok marks the job completed with the given progress marker.
func Ok(progress string) JobResult { return JobResult{kind: resultOk, Progress: progress} }

// Retry requests another attempt per the job's backoff schedule.
func Retry(err error) JobResult { return JobResult{kind: resultRetry, Err: err} }

// Discard terminal-fails the job regardless of attempts left.
func Discard(err error) JobResult { return JobResult{kind: resultDiscard, Err: err} }

func (r JobResult) IsOk() bool      { return r.kind == resultOk }
func (r JobResult) IsRetry() bool   { return r.kind == resultRetry }
func (r JobResult) IsDiscard() bool { return r.kind == resultDiscard }
