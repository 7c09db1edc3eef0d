package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lexgrid/lexgrid/internal/config"
	"github.com/lexgrid/lexgrid/internal/events"
	"github.com/lexgrid/lexgrid/internal/ledger"
	"github.com/lexgrid/lexgrid/internal/metrics"
)

// Manager owns the begin/commit/rollback lifecycle around ledger mutations.
// The ledger is the source of truth; the account cache is read-through only
// and is invalidated on every mutating path.
//
// Begin is a reservation check, not a claim: two concurrent Begin calls for a
// subject sitting exactly at the limit may both be admitted before either
// commits. Accepted tradeoff for daily-granularity limits; do not add locking
// here without a product decision.
type Manager struct {
	store     ledger.Store
	cache     *ledger.AccountCache
	txs       *txStore
	policy    Policy
	publisher *events.Publisher

	timeout   time.Duration
	sweepTick time.Duration
	retention time.Duration

	now func() time.Time
}

// NewManager creates a quota Manager. The permissive policy is selected when
// cfg.Unlimited is set.
func NewManager(store ledger.Store, cache *ledger.AccountCache, rdb redis.Cmdable, publisher *events.Publisher, cfg config.QuotaConfig) *Manager {
	var policy Policy = EnforcedPolicy{limits: cfg}
	if cfg.Unlimited {
		slog.Warn("quota: unlimited policy enabled, daily limits are not enforced")
		policy = UnlimitedPolicy{}
	}
	return &Manager{
		store:     store,
		cache:     cache,
		txs:       newTxStore(rdb),
		policy:    policy,
		publisher: publisher,
		timeout:   cfg.TransactionTimeout,
		sweepTick: cfg.SweepInterval,
		retention: cfg.TerminalRetention,
		now:       time.Now,
	}
}

// Begin checks the subject's daily quota and, if allowed, reserves a pending
// transaction. The ledger is not mutated here.
func (m *Manager) Begin(ctx context.Context, subjectID uuid.UUID) (*BeginResult, error) {
	now := m.now()

	acc, err := m.loadAccount(ctx, subjectID)
	if err != nil {
		// The permissive policy admits subjects the ledger cannot vouch for,
		// unknown or unreachable alike.
		if decision := m.policy.Evaluate(nil, now); decision.Allowed {
			tx, err := m.reserve(ctx, subjectID, now)
			if err != nil {
				return nil, err
			}
			snapshot := Snapshot{SubjectID: subjectID, DailyCount: decision.Count, DailyLimit: decision.Limit}
			return &BeginResult{Allowed: true, Transaction: tx, Snapshot: snapshot}, nil
		}
		if errors.Is(err, ledger.ErrNotFound) {
			metrics.QuotaDenialsTotal.WithLabelValues(ReasonUserNotFound).Inc()
			return &BeginResult{Allowed: false, Reason: ReasonUserNotFound}, nil
		}
		// Quota correctness beats availability: deny when the ledger is
		// unreachable.
		return nil, fmt.Errorf("loading account for %s: %w", subjectID, err)
	}

	decision := m.policy.Evaluate(acc, now)
	snapshot := snapshotWith(acc, decision)

	if !decision.Allowed {
		metrics.QuotaDenialsTotal.WithLabelValues(decision.Reason).Inc()
		if err := m.store.RecordViolation(ctx, subjectID, decision.Reason); err != nil {
			slog.Warn("quota: recording violation", "error", err, "subject_id", subjectID)
		}
		if err := m.publisher.PublishQuotaEvent(ctx, events.QuotaEvent{
			SubjectID:  subjectID,
			Reason:     decision.Reason,
			DailyCount: decision.Count,
			DailyLimit: decision.Limit,
			Timestamp:  now.UTC(),
		}); err != nil {
			slog.Warn("quota: publishing denial event", "error", err, "subject_id", subjectID)
		}
		return &BeginResult{Allowed: false, Reason: decision.Reason, Snapshot: snapshot}, nil
	}

	tx, err := m.reserve(ctx, subjectID, now)
	if err != nil {
		return nil, err
	}

	return &BeginResult{Allowed: true, Transaction: tx, Snapshot: snapshot}, nil
}

// reserve persists a pending transaction record.
func (m *Manager) reserve(ctx context.Context, subjectID uuid.UUID, now time.Time) (*Transaction, error) {
	tx := &Transaction{
		ID:        uuid.New(),
		SubjectID: subjectID,
		State:     StatePending,
		StartTime: now,
		ExpiresAt: now.Add(m.timeout),
	}
	if err := m.txs.Put(ctx, tx, m.recordTTL()); err != nil {
		return nil, err
	}
	return tx, nil
}

// Commit finalizes a reservation by incrementing the ledger. Idempotent:
// committing a committed transaction is a no-op returning the current usage.
func (m *Manager) Commit(ctx context.Context, txID uuid.UUID) (*ResolveResult, error) {
	tx, err := m.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if now.After(tx.ExpiresAt) {
		return nil, ErrTransactionExpired
	}

	switch tx.State {
	case StateCommitted:
		return &ResolveResult{Success: true, NewUsage: m.currentUsage(ctx, tx.SubjectID)}, nil
	case StateRolledBack:
		return nil, ErrTransactionRolledBack
	}

	acc, err := m.store.IncrementDaily(ctx, tx.SubjectID, now)
	if err != nil {
		return nil, fmt.Errorf("committing transaction %s: %w", txID, err)
	}

	tx.State = StateCommitted
	resolved := now
	tx.ResolvedAt = &resolved
	if err := m.txs.Put(ctx, tx, m.recordTTL()); err != nil {
		// The ledger mutation stands; a stale pending record is cleaned up by
		// the sweep.
		slog.Warn("quota: persisting committed state", "error", err, "tx_id", txID)
	}

	m.cache.Invalidate(ctx, tx.SubjectID)

	return &ResolveResult{Success: true, NewUsage: snapshotOf(acc)}, nil
}

// Rollback releases a reservation. Uncommitted transactions are marked rolled
// back with no ledger mutation. Committed transactions are refunded by one
// unit, with one extra unit when the refund alone would still leave the
// subject at or above the limit, so a failed attempt never strands the
// subject with zero usable requests.
func (m *Manager) Rollback(ctx context.Context, txID uuid.UUID) (*ResolveResult, error) {
	tx, err := m.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	if tx.State == StateRolledBack {
		return &ResolveResult{Success: true, NewUsage: m.currentUsage(ctx, tx.SubjectID)}, nil
	}

	now := m.now()
	if now.After(tx.ExpiresAt) {
		return nil, ErrTransactionExpired
	}

	var snapshot Snapshot
	if tx.State == StateCommitted {
		acc, err := m.store.DecrementDaily(ctx, tx.SubjectID, 1)
		if err != nil {
			return nil, fmt.Errorf("rolling back transaction %s: %w", txID, err)
		}
		if acc.DailyCount >= acc.DailyLimit {
			acc, err = m.store.DecrementDaily(ctx, tx.SubjectID, 1)
			if err != nil {
				return nil, fmt.Errorf("rolling back transaction %s: %w", txID, err)
			}
		}
		snapshot = snapshotOf(acc)
	} else {
		snapshot = m.currentUsage(ctx, tx.SubjectID)
	}

	tx.State = StateRolledBack
	resolved := now
	tx.ResolvedAt = &resolved
	if err := m.txs.Put(ctx, tx, m.recordTTL()); err != nil {
		slog.Warn("quota: persisting rolled back state", "error", err, "tx_id", txID)
	}

	m.cache.Invalidate(ctx, tx.SubjectID)

	return &ResolveResult{Success: true, NewUsage: snapshot}, nil
}

// Usage returns the rollover-aware usage snapshot for a subject.
func (m *Manager) Usage(ctx context.Context, subjectID uuid.UUID) (*Snapshot, error) {
	acc, err := m.loadAccount(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	s := snapshotOf(acc)
	s.DailyCount = acc.CountForDay(m.now())
	return &s, nil
}

// StartSweeper runs the periodic transaction sweep until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce(ctx)
			}
		}
	}()
}

// sweepOnce deletes pending records past expiry and terminal records past the
// retention window.
func (m *Manager) sweepOnce(ctx context.Context) {
	txs, err := m.txs.All(ctx)
	if err != nil {
		slog.Warn("quota: sweep listing transactions", "error", err)
		return
	}

	now := m.now()
	removed := 0
	for _, tx := range txs {
		var stale bool
		switch tx.State {
		case StatePending:
			stale = now.After(tx.ExpiresAt)
		default:
			stale = tx.ResolvedAt != nil && now.After(tx.ResolvedAt.Add(m.retention))
		}
		if !stale {
			continue
		}
		if err := m.txs.Delete(ctx, tx.ID); err != nil {
			slog.Warn("quota: sweep deleting transaction", "error", err, "tx_id", tx.ID)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Debug("quota: sweep removed stale transactions", "count", removed)
	}
}

func (m *Manager) loadAccount(ctx context.Context, subjectID uuid.UUID) (*ledger.UsageAccount, error) {
	if acc, ok := m.cache.Get(ctx, subjectID); ok {
		return acc, nil
	}
	acc, err := m.store.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	m.cache.Set(ctx, acc)
	return acc, nil
}

// currentUsage reads the subject's usage for resolve results, tolerating
// ledger errors with a zero snapshot since the resolution itself already
// succeeded.
func (m *Manager) currentUsage(ctx context.Context, subjectID uuid.UUID) Snapshot {
	acc, err := m.loadAccount(ctx, subjectID)
	if err != nil {
		slog.Warn("quota: reading usage after resolution", "error", err, "subject_id", subjectID)
		return Snapshot{SubjectID: subjectID}
	}
	return snapshotOf(acc)
}

// recordTTL bounds transaction records in Redis even if the sweep never runs.
func (m *Manager) recordTTL() time.Duration {
	return m.timeout + m.retention + time.Minute
}

func snapshotOf(acc *ledger.UsageAccount) Snapshot {
	return Snapshot{
		SubjectID:  acc.SubjectID,
		PlanTier:   acc.PlanTier,
		DailyCount: acc.DailyCount,
		DailyLimit: acc.DailyLimit,
		ResetDate:  acc.LastResetDate,
	}
}

func snapshotWith(acc *ledger.UsageAccount, d Decision) Snapshot {
	return Snapshot{
		SubjectID:  acc.SubjectID,
		PlanTier:   acc.PlanTier,
		DailyCount: d.Count,
		DailyLimit: d.Limit,
		ResetDate:  acc.LastResetDate,
	}
}
