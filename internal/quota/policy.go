package quota

import (
	"time"

	"github.com/lexgrid/lexgrid/internal/config"
	"github.com/lexgrid/lexgrid/internal/ledger"
)

// syntheticLimit is the limit reported by the permissive policy.
const syntheticLimit = 1_000_000

// Policy decides whether a subject may reserve one usage unit. Selected at
// construction time; the manager itself carries no environment branches.
type Policy interface {
	Evaluate(acc *ledger.UsageAccount, now time.Time) Decision
}

// Decision is a policy verdict plus the effective counters it was based on.
type Decision struct {
	Allowed bool
	Reason  string
	Count   int
	Limit   int
}

// EnforcedPolicy applies the subject's daily limit with UTC-day rollover.
// Rows provisioned without an explicit limit fall back to the configured
// limit for their plan tier.
type EnforcedPolicy struct {
	limits config.QuotaConfig
}

func (p EnforcedPolicy) Evaluate(acc *ledger.UsageAccount, now time.Time) Decision {
	if acc == nil {
		return Decision{Reason: ReasonUserNotFound}
	}
	limit := acc.DailyLimit
	if limit <= 0 {
		limit = p.limits.DailyLimitFor(acc.PlanTier)
	}
	count := acc.CountForDay(now)
	if count >= limit {
		return Decision{Reason: ReasonDailyLimitReached, Count: count, Limit: limit}
	}
	return Decision{Allowed: true, Count: count, Limit: limit}
}

// UnlimitedPolicy admits everything against a synthetic high limit. For
// non-production environments only.
type UnlimitedPolicy struct{}

func (UnlimitedPolicy) Evaluate(acc *ledger.UsageAccount, now time.Time) Decision {
	count := 0
	if acc != nil {
		count = acc.CountForDay(now)
	}
	return Decision{Allowed: true, Count: count, Limit: syntheticLimit}
}
