package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTxStore(t *testing.T) (*txStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return newTxStore(rdb), mr
}

func pendingTx() *Transaction {
	now := time.Now().UTC().Truncate(time.Second)
	return &Transaction{
		ID:        uuid.New(),
		SubjectID: uuid.New(),
		State:     StatePending,
		StartTime: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
}

func TestTxStore_Roundtrip(t *testing.T) {
	s, _ := setupTxStore(t)
	ctx := context.Background()
	tx := pendingTx()

	require.NoError(t, s.Put(ctx, tx, time.Minute))

	got, err := s.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, tx.SubjectID, got.SubjectID)
	assert.Equal(t, StatePending, got.State)
	assert.True(t, tx.ExpiresAt.Equal(got.ExpiresAt))
}

func TestTxStore_GetMissing(t *testing.T) {
	s, _ := setupTxStore(t)

	_, err := s.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestTxStore_Delete(t *testing.T) {
	s, _ := setupTxStore(t)
	ctx := context.Background()
	tx := pendingTx()

	require.NoError(t, s.Put(ctx, tx, time.Minute))
	require.NoError(t, s.Delete(ctx, tx.ID))

	_, err := s.Get(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestTxStore_RecordTTLBackstop(t *testing.T) {
	s, mr := setupTxStore(t)
	ctx := context.Background()
	tx := pendingTx()

	require.NoError(t, s.Put(ctx, tx, time.Minute))
	mr.FastForward(61 * time.Second)

	_, err := s.Get(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestTxStore_All(t *testing.T) {
	s, _ := setupTxStore(t)
	ctx := context.Background()

	want := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		tx := pendingTx()
		want[tx.ID] = true
		require.NoError(t, s.Put(ctx, tx, time.Minute))
	}

	txs, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for _, tx := range txs {
		assert.True(t, want[tx.ID])
	}
}
