package quota

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Transaction states.
const (
	StatePending    = "pending"
	StateCommitted  = "committed"
	StateRolledBack = "rolledback"
)

// Denial reasons surfaced by Begin.
const (
	ReasonDailyLimitReached = "daily_limit_reached"
	ReasonUserNotFound      = "user_not_found"
)

var (
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrTransactionExpired    = errors.New("transaction expired")
	ErrTransactionRolledBack = errors.New("transaction already rolled back")
)

// Transaction is a reserved-but-not-final usage claim. Once committed or
// rolled back the state is terminal; repeat resolution calls are no-ops.
type Transaction struct {
	ID         uuid.UUID  `json:"id"`
	SubjectID  uuid.UUID  `json:"subject_id"`
	State      string     `json:"state"`
	StartTime  time.Time  `json:"start_time"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Snapshot is the usage view returned alongside admission decisions.
type Snapshot struct {
	SubjectID  uuid.UUID `json:"subject_id"`
	PlanTier   string    `json:"plan_tier"`
	DailyCount int       `json:"daily_count"`
	DailyLimit int       `json:"daily_limit"`
	ResetDate  time.Time `json:"reset_date"`
}

// BeginResult is the outcome of an admission check.
type BeginResult struct {
	Allowed     bool         `json:"allowed"`
	Reason      string       `json:"reason,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Snapshot    Snapshot     `json:"snapshot"`
}

// ResolveResult is the outcome of a commit or rollback.
type ResolveResult struct {
	Success  bool     `json:"success"`
	NewUsage Snapshot `json:"new_usage"`
}
