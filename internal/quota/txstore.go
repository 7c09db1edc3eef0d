package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const txKeyPrefix = "usagetx:"

// txStore keeps transaction records in Redis so every service instance
// observes the same reservation state. The per-key TTL is a backstop; the
// sweep is what enforces the retention policy.
type txStore struct {
	rdb redis.Cmdable
}

func newTxStore(rdb redis.Cmdable) *txStore {
	return &txStore{rdb: rdb}
}

func txKey(id uuid.UUID) string {
	return txKeyPrefix + id.String()
}

func (s *txStore) Put(ctx context.Context, tx *Transaction, ttl time.Duration) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshaling transaction: %w", err)
	}
	if err := s.rdb.Set(ctx, txKey(tx.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (s *txStore) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	data, err := s.rdb.Get(ctx, txKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching transaction %s: %w", id, err)
	}

	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("unmarshaling transaction %s: %w", id, err)
	}
	return &tx, nil
}

func (s *txStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.rdb.Del(ctx, txKey(id)).Err()
}

// All iterates every stored transaction record. Used by the sweep.
func (s *txStore) All(ctx context.Context) ([]*Transaction, error) {
	var (
		cursor uint64
		txs    []*Transaction
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, txKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning transactions: %w", err)
		}
		for _, key := range keys {
			data, err := s.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue // expired between scan and read
			}
			var tx Transaction
			if err := json.Unmarshal(data, &tx); err != nil {
				continue
			}
			txs = append(txs, &tx)
		}
		cursor = next
		if cursor == 0 {
			return txs, nil
		}
	}
}
