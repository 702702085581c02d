package jobs

import (
	"errors"
	"time"
)

var (
	// ErrDuplicateJob is returned by Enqueue when the owner already has an
	// active (pending/running/retrying) job.
	ErrDuplicateJob = errors.New("duplicate active job for owner")

	// ErrUnknownJob is returned by Mark* calls for an unknown job ID.
	ErrUnknownJob = errors.New("unknown job")

	// ErrBadTransition is returned when a Mark* call does not match the
	// job's current status. It indicates a programming error in the caller;
	// the queue is the sole mutator of job status.
	ErrBadTransition = errors.New("invalid job status transition")
)

// Status tracks a job through its lifecycle.
//
//	PENDING -> RUNNING -> COMPLETED
//	                   -> RETRYING -> RUNNING -> ...
//	                   -> FAILED
//	PENDING -> CANCELED
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusRetrying
	StatusCompleted
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusRetrying:
		return "retrying"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Active reports whether the status still holds the owner's one-job slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusRetrying
}

// Terminal reports whether the job can no longer change status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Priority orders dispatch. Lower values run first.
type Priority int

const (
	PriorityHigh   Priority = 0 // manual triggers, first scans
	PriorityNormal Priority = 1 // scheduled periodic work
	PriorityLow    Priority = 2 // background catch-up
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Job is the unit of schedulable work. The queue owns a job for its entire
// life; callers only ever see copies.
type Job struct {
	ID      string   `json:"id"`
	OwnerID string   `json:"owner_id"`
	Kind    string   `json:"kind"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	// ScheduledAt is the time before which the job is not eligible to run.
	ScheduledAt time.Time `json:"scheduled_at"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`
	LastError    string `json:"last_error,omitempty"`
}

// Config controls queue retry behavior.
type Config struct {
	// MaxAttempts is the retry ceiling before a job is marked FAILED.
	MaxAttempts int

	// RetryBase is the base delay for retry backoff
	// (delay = RetryBase * 2^attempt, capped at RetryMaxDelay).
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// MaxHistory bounds how many terminal jobs are retained for status
	// lookups before the oldest are evicted.
	MaxHistory int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Minute
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 500
	}
	return c
}

// Snapshot is a read-only aggregate of queue state, for observability.
type Snapshot struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// Event is published on the bus for job lifecycle transitions.
type Event struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Kind     string `json:"kind"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error,omitempty"`
}
