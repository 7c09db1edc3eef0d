package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements Store over the usage_accounts PostgreSQL table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new ledger Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const accountColumns = `subject_id, plan_tier, daily_count, daily_limit, last_reset_date, updated_at`

func (r *Repository) Get(ctx context.Context, subjectID uuid.UUID) (*UsageAccount, error) {
	var a UsageAccount
	err := r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM usage_accounts WHERE subject_id = $1`, subjectID,
	).Scan(&a.SubjectID, &a.PlanTier, &a.DailyCount, &a.DailyLimit, &a.LastResetDate, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching usage account: %w", err)
	}
	return &a, nil
}

// Ensure creates an account with the given tier and limit if none exists.
// Used by provisioning and test setup.
func (r *Repository) Ensure(ctx context.Context, subjectID uuid.UUID, tier string, dailyLimit int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO usage_accounts (subject_id, plan_tier, daily_limit)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (subject_id) DO NOTHING`, subjectID, tier, dailyLimit)
	if err != nil {
		return fmt.Errorf("ensuring usage account: %w", err)
	}
	return nil
}

func (r *Repository) IncrementDaily(ctx context.Context, subjectID uuid.UUID, day time.Time) (*UsageAccount, error) {
	day = DayOf(day)
	var a UsageAccount
	err := r.pool.QueryRow(ctx,
		`UPDATE usage_accounts
		 SET daily_count = CASE WHEN last_reset_date < $2 THEN 1 ELSE daily_count + 1 END,
		     last_reset_date = GREATEST(last_reset_date, $2),
		     updated_at = NOW()
		 WHERE subject_id = $1
		 RETURNING `+accountColumns, subjectID, day,
	).Scan(&a.SubjectID, &a.PlanTier, &a.DailyCount, &a.DailyLimit, &a.LastResetDate, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("incrementing daily usage: %w", err)
	}
	return &a, nil
}

func (r *Repository) DecrementDaily(ctx context.Context, subjectID uuid.UUID, units int) (*UsageAccount, error) {
	var a UsageAccount
	err := r.pool.QueryRow(ctx,
		`UPDATE usage_accounts
		 SET daily_count = GREATEST(daily_count - $2, 0),
		     updated_at = NOW()
		 WHERE subject_id = $1
		 RETURNING `+accountColumns, subjectID, units,
	).Scan(&a.SubjectID, &a.PlanTier, &a.DailyCount, &a.DailyLimit, &a.LastResetDate, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("decrementing daily usage: %w", err)
	}
	return &a, nil
}

func (r *Repository) RecordViolation(ctx context.Context, subjectID uuid.UUID, kind string) error {
	entry := map[string]any{
		"type":      kind,
		"timestamp": time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling violation: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`UPDATE usage_accounts
		 SET violations = violations || $2::jsonb,
		     updated_at = NOW()
		 WHERE subject_id = $1`, subjectID, string(data))
	if err != nil {
		return fmt.Errorf("recording violation: %w", err)
	}
	return nil
}
