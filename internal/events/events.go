package events

import (
	"time"

	"github.com/google/uuid"
)

// Stream and subject names.
const (
	StreamEvents = "LEXGRID_EVENTS"

	SubjectJobEvent   = "lexgrid.events.job"
	SubjectQuotaEvent = "lexgrid.events.quota"
)

// JobEvent is published on every job state transition.
type JobEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	SubjectID uuid.UUID `json:"subject_id"`
	Mode      string    `json:"mode"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	Cached    bool      `json:"cached,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QuotaEvent is published when an admission check denies a subject.
type QuotaEvent struct {
	SubjectID  uuid.UUID `json:"subject_id"`
	Reason     string    `json:"reason"`
	DailyCount int       `json:"daily_count"`
	DailyLimit int       `json:"daily_limit"`
	Timestamp  time.Time `json:"timestamp"`
}
