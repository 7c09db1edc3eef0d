package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no account exists for a subject. Accounts are
// provisioned by the signup flow, not by this service.
var ErrNotFound = errors.New("usage account not found")

// Store is the durable source of truth for per-subject daily counters.
// Day-rollover arithmetic is pushed into the store so concurrent mutations
// against one row stay consistent.
type Store interface {
	// Get returns the account for a subject, or ErrNotFound.
	Get(ctx context.Context, subjectID uuid.UUID) (*UsageAccount, error)

	// IncrementDaily adds one usage unit for the given UTC day. If the
	// account's last reset predates day, the counter restarts at 1.
	IncrementDaily(ctx context.Context, subjectID uuid.UUID, day time.Time) (*UsageAccount, error)

	// DecrementDaily refunds up to units usage units, clamped at zero.
	DecrementDaily(ctx context.Context, subjectID uuid.UUID, units int) (*UsageAccount, error)

	// RecordViolation appends a denial record to the account's violation log.
	RecordViolation(ctx context.Context, subjectID uuid.UUID, kind string) error
}
