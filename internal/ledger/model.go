package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Plan tiers.
const (
	TierFree = "free"
	TierPro  = "pro"
	TierTeam = "team"
)

// UsageAccount matches the usage_accounts table schema. DailyCount is only
// meaningful together with LastResetDate: a count recorded on an earlier UTC
// day reads as zero until the first mutation of the new day resets it.
type UsageAccount struct {
	SubjectID     uuid.UUID `json:"subject_id"`
	PlanTier      string    `json:"plan_tier"`
	DailyCount    int       `json:"daily_count"`
	DailyLimit    int       `json:"daily_limit"`
	LastResetDate time.Time `json:"last_reset_date"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CountForDay returns the usage count as of the given UTC day, treating a
// stale count from a previous day as zero.
func (a *UsageAccount) CountForDay(day time.Time) int {
	if a.LastResetDate.Before(DayOf(day)) {
		return 0
	}
	return a.DailyCount
}

// DayOf truncates t to its UTC calendar date.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
