package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lexgrid/lexgrid/internal/research"
)

// Job states. Terminal states are completed and failed.
const (
	JobQueued    = "queued"
	JobActive    = "active"
	JobRetrying  = "retrying"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Failure codes surfaced on terminal job failures.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeExecutorFailed    = "executor_failed"
	CodeError             = "error"
)

var ErrJobNotFound = errors.New("job not found")

// Failure is the structured error carried by a failed job so callers can
// automate retry-or-abandon decisions.
type Failure struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
	LimitType  string `json:"limit_type,omitempty"`
}

// Job is one admitted query awaiting execution. All transitions are driven by
// the worker pool; fields are guarded by the service mutex.
type Job struct {
	ID           uuid.UUID
	SubjectID    uuid.UUID
	Query        string
	Mode         string
	Jurisdiction string

	Priority        int
	EstimatedTokens int

	State    string
	Attempts int
	Progress int
	Cached   bool

	Result  *research.Result
	Failure *Failure

	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	NextRunAt   time.Time

	txID uuid.UUID
	seq  uint64
}

// Status is the caller-facing snapshot of a job, copied under lock so the
// worker pool can keep mutating the live record.
type Status struct {
	ID           uuid.UUID        `json:"id"`
	State        string           `json:"state"`
	Mode         string           `json:"mode"`
	Jurisdiction string           `json:"jurisdiction"`
	Progress     int              `json:"progress"`
	Attempts     int              `json:"attempts"`
	Cached       bool             `json:"cached"`
	Result       *research.Result `json:"result,omitempty"`
	Failure      *Failure         `json:"error,omitempty"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

func (j *Job) status() *Status {
	s := &Status{
		ID:           j.ID,
		State:        j.State,
		Mode:         j.Mode,
		Jurisdiction: j.Jurisdiction,
		Progress:     j.Progress,
		Attempts:     j.Attempts,
		Cached:       j.Cached,
		Result:       j.Result,
		Failure:      j.Failure,
		SubmittedAt:  j.SubmittedAt,
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		s.FinishedAt = &t
	}
	return s
}

// Metrics is the queue-level observability view.
type Metrics struct {
	Waiting           int `json:"waiting"`
	Active            int `json:"active"`
	CompletedRecently int `json:"completed_recently"`
	FailedRecently    int `json:"failed_recently"`
}
