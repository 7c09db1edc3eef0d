package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const accountKeyPrefix = "usage:acct:"

// AccountCache is a short-TTL read-through cache over the ledger. It is an
// optimization only: every error degrades to a miss and every ledger-mutating
// path must call Invalidate.
type AccountCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewAccountCache creates an AccountCache with the given entry TTL.
func NewAccountCache(rdb redis.Cmdable, ttl time.Duration) *AccountCache {
	return &AccountCache{rdb: rdb, ttl: ttl}
}

func accountKey(subjectID uuid.UUID) string {
	return accountKeyPrefix + subjectID.String()
}

// Get returns the cached account for a subject, or false on miss or store error.
func (c *AccountCache) Get(ctx context.Context, subjectID uuid.UUID) (*UsageAccount, bool) {
	data, err := c.rdb.Get(ctx, accountKey(subjectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("account cache: read failed, treating as miss", "error", err, "subject_id", subjectID)
		}
		return nil, false
	}

	var a UsageAccount
	if err := json.Unmarshal(data, &a); err != nil {
		slog.Warn("account cache: malformed entry, treating as miss", "error", err, "subject_id", subjectID)
		return nil, false
	}
	return &a, true
}

// Set stores the account snapshot. Errors are logged and swallowed.
func (c *AccountCache) Set(ctx context.Context, a *UsageAccount) {
	data, err := json.Marshal(a)
	if err != nil {
		slog.Warn("account cache: marshaling account", "error", err, "subject_id", a.SubjectID)
		return
	}
	if err := c.rdb.Set(ctx, accountKey(a.SubjectID), data, c.ttl).Err(); err != nil {
		slog.Warn("account cache: write failed", "error", err, "subject_id", a.SubjectID)
	}
}

// Invalidate drops the cached snapshot for a subject.
func (c *AccountCache) Invalidate(ctx context.Context, subjectID uuid.UUID) {
	if err := c.rdb.Del(ctx, accountKey(subjectID)).Err(); err != nil {
		slog.Warn("account cache: invalidate failed", "error", err, "subject_id", subjectID)
	}
}
