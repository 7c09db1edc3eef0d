package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lexgrid/lexgrid/internal/config"
	"github.com/lexgrid/lexgrid/internal/metrics"
)

// Resource names for the enforced windows.
const (
	ResourceInferenceTokensMinute   = "inference_tokens_per_minute"
	ResourceInferenceTokensDay      = "inference_tokens_per_day"
	ResourceInferenceRequestsMinute = "inference_requests_per_minute"
	ResourceSearchRequestsMinute    = "search_requests_per_minute"
)

const windowKeyPrefix = "ratelimit:"

// Window is one fixed-duration ceiling over a metered resource. Limits are
// configured below the external provider's hard limit; the provider remains
// the ultimate backstop.
type Window struct {
	Resource string
	Limit    int
	Interval time.Duration
}

// Cost is the estimated external-resource consumption of one job.
type Cost struct {
	InferenceTokens   int
	InferenceRequests int
	SearchRequests    int
}

func (c Cost) unitsFor(resource string) int {
	switch resource {
	case ResourceInferenceTokensMinute, ResourceInferenceTokensDay:
		return c.InferenceTokens
	case ResourceInferenceRequestsMinute:
		return c.InferenceRequests
	case ResourceSearchRequestsMinute:
		return c.SearchRequests
	}
	return 0
}

// LimitError reports the first violated window and when it resets.
type LimitError struct {
	Resource string
	Limit    int
	ResetAt  time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit %d, resets %s)",
		e.Resource, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// WindowStatus is the zero-cost observability view of one window.
type WindowStatus struct {
	Resource  string    `json:"resource"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter evaluates an ordered list of independent windows against counters
// in Redis, keyed by (resource, identifier, window start). Counters are
// created lazily and expire on their own; if Redis is unreachable the limiter
// degrades to always-allow so an optimization outage never blocks the
// product.
type Limiter struct {
	rdb     redis.Cmdable
	windows []Window

	now func() time.Time
}

// NewLimiter creates a Limiter with the standard window set. A nil rdb is
// allowed and yields a permanently bypassed limiter.
func NewLimiter(rdb redis.Cmdable, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		rdb: rdb,
		windows: []Window{
			{Resource: ResourceInferenceTokensMinute, Limit: cfg.InferenceTokensPerMinute, Interval: time.Minute},
			{Resource: ResourceInferenceTokensDay, Limit: cfg.InferenceTokensPerDay, Interval: 24 * time.Hour},
			{Resource: ResourceInferenceRequestsMinute, Limit: cfg.InferenceRequestsPerMinute, Interval: time.Minute},
			{Resource: ResourceSearchRequestsMinute, Limit: cfg.SearchRequestsPerMinute, Interval: time.Minute},
		},
		now: time.Now,
	}
}

func windowKey(resource string, id uuid.UUID, start time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", windowKeyPrefix, resource, id, start.Unix())
}

func (l *Limiter) windowStart(w Window) time.Time {
	return l.now().Truncate(w.Interval)
}

// Check consumes the estimated cost against every window in order. The first
// violated window short-circuits the check and nothing is consumed for it.
func (l *Limiter) Check(ctx context.Context, identifier uuid.UUID, cost Cost) error {
	if l.rdb == nil {
		return nil
	}

	for _, w := range l.windows {
		units := cost.unitsFor(w.Resource)
		if units <= 0 {
			continue
		}

		start := l.windowStart(w)
		key := windowKey(w.Resource, identifier, start)

		used, err := l.rdb.Get(ctx, key).Int()
		if err != nil && err != redis.Nil {
			slog.Warn("rate limiter: store unavailable, bypassing window",
				"error", err, "resource", w.Resource)
			continue
		}

		if used+units > w.Limit {
			metrics.RateLimitDenialsTotal.WithLabelValues(w.Resource).Inc()
			return &LimitError{
				Resource: w.Resource,
				Limit:    w.Limit,
				ResetAt:  start.Add(w.Interval),
			}
		}

		pipe := l.rdb.Pipeline()
		pipe.IncrBy(ctx, key, int64(units))
		pipe.Expire(ctx, key, w.Interval+time.Minute)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("rate limiter: recording usage failed", "error", err, "resource", w.Resource)
		}
	}
	return nil
}

// Status reports remaining capacity per window without consuming anything.
func (l *Limiter) Status(ctx context.Context, identifier uuid.UUID) []WindowStatus {
	statuses := make([]WindowStatus, 0, len(l.windows))
	for _, w := range l.windows {
		start := l.windowStart(w)
		status := WindowStatus{
			Resource: w.Resource,
			Limit:    w.Limit,
			ResetAt:  start.Add(w.Interval),
		}

		if l.rdb != nil {
			used, err := l.rdb.Get(ctx, windowKey(w.Resource, identifier, start)).Int()
			if err != nil && err != redis.Nil {
				slog.Warn("rate limiter: status read failed", "error", err, "resource", w.Resource)
			}
			status.Used = used
		}

		status.Remaining = status.Limit - status.Used
		if status.Remaining < 0 {
			status.Remaining = 0
		}
		statuses = append(statuses, status)
	}
	return statuses
}
