package types

import (
	"context"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Terminal states are absorbing: no transition ever leaves them.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusPending
	}
	return false
}

// Job is the durable record of one asynchronous generation request.
// Records are never deleted by this service.
type Job struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Fingerprint  string           `json:"fingerprint"`
	Domain       Domain           `json:"domain"`
	Params       GenerationParams `json:"params"`
	Status       JobStatus        `json:"status"`
	Attempts     int              `json:"attempts"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ResultRef    string           `json:"result_ref,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// JobUpdate carries the mutable fields of a status transition. Nil pointers
// leave the stored value untouched.
type JobUpdate struct {
	Status       JobStatus
	Attempts     *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ResultRef    *string
	ErrorCode    *string
	ErrorMessage *string
}

type JobStore interface {
	LifecycleManager
	Create(ctx context.Context, job *Job) (string, error)
	Get(ctx context.Context, id string) (*Job, error)
	UpdateStatus(ctx context.Context, id string, update JobUpdate) error
	ListPending(ctx context.Context, limit int) ([]*Job, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Job, error)
}

// JobMessage is the queue envelope wrapping a Job reference. The poll path
// synthesizes the identical shape so both paths share one processing routine.
type JobMessage struct {
	JobID       string           `json:"job_id"`
	UserID      string           `json:"user_id"`
	Fingerprint string           `json:"fingerprint"`
	Domain      Domain           `json:"domain"`
	Params      GenerationParams `json:"params"`
	Attempt     int              `json:"attempt"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
}

type ProcessSource string

const (
	SourceQueue  ProcessSource = "queue"
	SourcePoll   ProcessSource = "poll"
	SourceInline ProcessSource = "inline"
)

// JobProcessor is the single per-job routine executed identically by the
// queue consumer and the polling fallback.
type JobProcessor interface {
	Process(ctx context.Context, msg *JobMessage, source ProcessSource) error
}

type QueuePublisher interface {
	LifecycleManager
	PublishJob(ctx context.Context, msg *JobMessage) error
}
