package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexgrid/lexgrid/internal/config"
	"github.com/lexgrid/lexgrid/internal/ledger"
)

// memStore is an in-memory ledger.Store for unit tests.
type memStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*ledger.UsageAccount
	failing  bool
}

func newMemStore() *memStore {
	return &memStore{accounts: make(map[uuid.UUID]*ledger.UsageAccount)}
}

func (s *memStore) put(a *ledger.UsageAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.SubjectID] = &cp
}

func (s *memStore) Get(_ context.Context, subjectID uuid.UUID) (*ledger.UsageAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errors.New("store unreachable")
	}
	a, ok := s.accounts[subjectID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) IncrementDaily(_ context.Context, subjectID uuid.UUID, day time.Time) (*ledger.UsageAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errors.New("store unreachable")
	}
	a, ok := s.accounts[subjectID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	day = ledger.DayOf(day)
	if a.LastResetDate.Before(day) {
		a.DailyCount = 1
		a.LastResetDate = day
	} else {
		a.DailyCount++
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) DecrementDaily(_ context.Context, subjectID uuid.UUID, units int) (*ledger.UsageAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[subjectID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	a.DailyCount -= units
	if a.DailyCount < 0 {
		a.DailyCount = 0
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) RecordViolation(_ context.Context, subjectID uuid.UUID, kind string) error {
	return nil
}

func (s *memStore) count(subjectID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[subjectID].DailyCount
}

func setupManager(t *testing.T, cfgMod func(*config.QuotaConfig)) (*Manager, *memStore, *ledger.AccountCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.QuotaConfig{
		TransactionTimeout: 5 * time.Minute,
		SweepInterval:      time.Minute,
		TerminalRetention:  10 * time.Minute,
	}
	if cfgMod != nil {
		cfgMod(&cfg)
	}

	store := newMemStore()
	cache := ledger.NewAccountCache(rdb, 30*time.Second)
	return NewManager(store, cache, rdb, nil, cfg), store, cache
}

func seedAccount(store *memStore, count, limit int, resetDay time.Time) uuid.UUID {
	subjectID := uuid.New()
	store.put(&ledger.UsageAccount{
		SubjectID:     subjectID,
		PlanTier:      ledger.TierFree,
		DailyCount:    count,
		DailyLimit:    limit,
		LastResetDate: ledger.DayOf(resetDay),
	})
	return subjectID
}

func TestBegin_Allowed(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 2, 5, time.Now())

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, StatePending, res.Transaction.State)
	assert.Equal(t, subjectID, res.Transaction.SubjectID)
	assert.Equal(t, 2, res.Snapshot.DailyCount)
	assert.Equal(t, 5, res.Snapshot.DailyLimit)

	// Begin is a reservation check only; the ledger is untouched.
	assert.Equal(t, 2, store.count(subjectID))
}

func TestBegin_DailyLimitReached(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 5, 5, time.Now())

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonDailyLimitReached, res.Reason)
	assert.Nil(t, res.Transaction)
}

func TestBegin_RolloverAdmitsAfterNewDay(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 5, 5, time.Now().AddDate(0, 0, -1))

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Snapshot.DailyCount, "stale count reads as zero after the UTC day boundary")
}

func TestBegin_UnknownSubject(t *testing.T) {
	m, _, _ := setupManager(t, nil)

	res, err := m.Begin(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonUserNotFound, res.Reason)
}

func TestBegin_LedgerUnavailableFailsClosed(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	store.failing = true

	_, err := m.Begin(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestBegin_UnlimitedPolicy(t *testing.T) {
	m, store, _ := setupManager(t, func(cfg *config.QuotaConfig) {
		cfg.Unlimited = true
	})
	subjectID := seedAccount(store, 5, 5, time.Now())

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, syntheticLimit, res.Snapshot.DailyLimit)
}

func TestBegin_UnlimitedPolicyAdmitsUnknownSubject(t *testing.T) {
	m, _, _ := setupManager(t, func(cfg *config.QuotaConfig) {
		cfg.Unlimited = true
	})

	res, err := m.Begin(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, syntheticLimit, res.Snapshot.DailyLimit)
	assert.Equal(t, 0, res.Snapshot.DailyCount)
}

func TestBegin_UnlimitedPolicyAdmitsWhenLedgerDown(t *testing.T) {
	m, store, _ := setupManager(t, func(cfg *config.QuotaConfig) {
		cfg.Unlimited = true
	})
	store.failing = true

	res, err := m.Begin(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Transaction)
}

func TestCommit_IncrementsOnce(t *testing.T) {
	m, store, cache := setupManager(t, nil)
	subjectID := seedAccount(store, 0, 5, time.Now())

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)

	// Prime the cache so the commit-path invalidation is observable.
	_, ok := cache.Get(context.Background(), subjectID)
	require.True(t, ok)

	out, err := m.Commit(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.NewUsage.DailyCount)
	assert.Equal(t, 1, store.count(subjectID))

	_, ok = cache.Get(context.Background(), subjectID)
	assert.False(t, ok, "commit must invalidate the account cache")
}

func TestCommit_Idempotent(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 0, 5, time.Now())

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)

	_, err = m.Commit(context.Background(), res.Transaction.ID)
	require.NoError(t, err)

	out, err := m.Commit(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 1, store.count(subjectID), "repeat commit must not double count")
}

func TestCommit_UnknownTransaction(t *testing.T) {
	m, _, _ := setupManager(t, nil)

	_, err := m.Commit(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestCommit_ExpiredLeavesLedgerUntouched(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 0, 5, time.Now())

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	_, err = m.Commit(context.Background(), res.Transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionExpired)
	assert.Equal(t, 0, store.count(subjectID))
}

func TestCommit_RolloverResetsToOne(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 7, 10, time.Now().AddDate(0, 0, -1))

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)

	out, err := m.Commit(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, out.NewUsage.DailyCount, "first commit of a new day restarts the counter")
}

func TestRollback_UncommittedLeavesLedgerUntouched(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 3, 5, time.Now())

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)

	out, err := m.Rollback(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 3, store.count(subjectID))

	// Terminal state: a later commit must not mutate the ledger.
	_, err = m.Commit(context.Background(), res.Transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionRolledBack)
	assert.Equal(t, 3, store.count(subjectID))
}

func TestRollback_Idempotent(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 0, 5, time.Now())

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)

	_, err = m.Rollback(context.Background(), res.Transaction.ID)
	require.NoError(t, err)

	out, err := m.Rollback(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestRollback_CommittedRefundsOne(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 1, 5, time.Now())

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	_, err = m.Commit(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, 2, store.count(subjectID))

	out, err := m.Rollback(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, out.NewUsage.DailyCount)
}

func TestRollback_ClampLeavesHeadroom(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 4, 5, time.Now())

	// Two reservations race past the admission check before either commits.
	res1, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	res2, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	require.True(t, res2.Allowed)

	_, err = m.Commit(context.Background(), res1.Transaction.ID)
	require.NoError(t, err)
	_, err = m.Commit(context.Background(), res2.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, 6, store.count(subjectID))

	// Refunding one unit would leave 5 >= limit, so the clamp refunds two:
	// a failed, refunded attempt must leave at least one usable request.
	out, err := m.Rollback(context.Background(), res2.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, out.NewUsage.DailyCount)
	assert.Less(t, out.NewUsage.DailyCount, 5)
}

func TestRollback_ExpiredCannotMutate(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 0, 5, time.Now())

	res, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	_, err = m.Commit(context.Background(), res.Transaction.ID)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	_, err = m.Rollback(context.Background(), res.Transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionExpired)
	assert.Equal(t, 1, store.count(subjectID))
}

// The begin/commit sequence is optimistic by design: both pairs may be
// admitted at the limit boundary. The ledger must stay consistent (settled
// count between 1 and 2), never corrupt.
func TestConcurrentBeginCommit_DocumentedRace(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 0, 1, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Begin(context.Background(), subjectID)
			if err != nil || !res.Allowed {
				return
			}
			_, _ = m.Commit(context.Background(), res.Transaction.ID)
		}()
	}
	wg.Wait()

	count := store.count(subjectID)
	assert.GreaterOrEqual(t, count, 1)
	assert.LessOrEqual(t, count, 2, "over-admission is bounded by the number of racers")
}

func TestConcurrentBeginCommit_BothAdmitted(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 0, 1, time.Now())

	// Deterministic interleaving: both begins read count=0 before either
	// commit. Asserting (not fixing) the documented race.
	res1, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	require.True(t, res1.Allowed)
	res2, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	require.True(t, res2.Allowed)

	_, err = m.Commit(context.Background(), res1.Transaction.ID)
	require.NoError(t, err)
	_, err = m.Commit(context.Background(), res2.Transaction.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, store.count(subjectID))
}

func TestSweep_RemovesExpiredAndRetainedRecords(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 0, 5, time.Now())

	pending, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	resolved, err := m.Begin(context.Background(), subjectID)
	require.NoError(t, err)
	_, err = m.Commit(context.Background(), resolved.Transaction.ID)
	require.NoError(t, err)

	// Past transaction expiry and terminal retention.
	m.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	m.sweepOnce(context.Background())

	_, err = m.Commit(context.Background(), pending.Transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = m.Commit(context.Background(), resolved.Transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestUsage_RolloverAware(t *testing.T) {
	m, store, _ := setupManager(t, nil)
	subjectID := seedAccount(store, 9, 10, time.Now().AddDate(0, 0, -1))

	snap, err := m.Usage(context.Background(), subjectID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.DailyCount)
	assert.Equal(t, 10, snap.DailyLimit)
}
