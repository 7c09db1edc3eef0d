package rescache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexgrid/lexgrid/internal/config"
	"github.com/lexgrid/lexgrid/internal/metrics"
	"github.com/lexgrid/lexgrid/internal/research"
)

const entryKeyPrefix = "rescache:"

// recencyTerms mark queries whose answers go stale quickly regardless of how
// expensive they were to produce.
var recencyTerms = []string{"latest", "recent", "today", "this week", "breaking", "just decided"}

// Entry is a cached research result plus the metadata needed to serve it.
type Entry struct {
	Result       *research.Result `json:"result"`
	Mode         string           `json:"mode"`
	Jurisdiction string           `json:"jurisdiction"`
	CachedAt     time.Time        `json:"cached_at"`
}

// Cache is a content-addressed, best-effort cache of finished results. Store
// errors on reads are misses; store errors on writes are logged and
// swallowed.
type Cache struct {
	rdb redis.Cmdable
	cfg config.CacheConfig
}

// NewCache creates a response Cache.
func NewCache(rdb redis.Cmdable, cfg config.CacheConfig) *Cache {
	return &Cache{rdb: rdb, cfg: cfg}
}

// Key derives the fixed-length cache key for a query/mode/jurisdiction tuple.
func Key(query, mode, jurisdiction string) string {
	sum := sha256.Sum256([]byte(normalize(query) + "|" + mode + "|" + jurisdiction))
	return entryKeyPrefix + hex.EncodeToString(sum[:])
}

func normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Get returns the cached entry for the tuple, or false on miss or error.
func (c *Cache) Get(ctx context.Context, query, mode, jurisdiction string) (*Entry, bool) {
	data, err := c.rdb.Get(ctx, Key(query, mode, jurisdiction)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("response cache: read failed, treating as miss", "error", err)
		}
		metrics.ResponseCacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Warn("response cache: malformed entry, treating as miss", "error", err)
		metrics.ResponseCacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	metrics.ResponseCacheLookupsTotal.WithLabelValues("hit").Inc()
	return &entry, true
}

// Set stores a finished result under the tuple's key, overwriting any
// previous entry.
func (c *Cache) Set(ctx context.Context, query, mode, jurisdiction string, result *research.Result) {
	entry := Entry{
		Result:       result,
		Mode:         mode,
		Jurisdiction: jurisdiction,
		CachedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("response cache: marshaling entry", "error", err)
		return
	}

	ttl := c.TTLFor(query, mode)
	if err := c.rdb.Set(ctx, Key(query, mode, jurisdiction), data, ttl).Err(); err != nil {
		slog.Warn("response cache: write failed", "error", err)
	}
}

// Invalidate drops the entry for the tuple.
func (c *Cache) Invalidate(ctx context.Context, query, mode, jurisdiction string) {
	if err := c.rdb.Del(ctx, Key(query, mode, jurisdiction)).Err(); err != nil {
		slog.Warn("response cache: invalidate failed", "error", err)
	}
}

// TTLFor picks the TTL: recency-sensitive queries get a short TTL in every
// mode; otherwise expensive modes are cached longer than cheap ones.
func (c *Cache) TTLFor(query, mode string) time.Duration {
	normalized := normalize(query)
	for _, term := range recencyTerms {
		if strings.Contains(normalized, term) {
			return c.cfg.RecencyTTL
		}
	}
	if mode == research.ModeDeep {
		return c.cfg.ExpensiveTTL
	}
	return c.cfg.CheapTTL
}
