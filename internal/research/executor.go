package research

import (
	"context"
	"time"
)

// Research modes, ordered by cost.
const (
	ModeQuick    = "quick"
	ModeStandard = "standard"
	ModeDeep     = "deep"
)

// ModeProfile carries the scheduling attributes of a mode. Lower priority
// numbers are served first.
type ModeProfile struct {
	Priority        int
	EstimatedTokens int
}

var modeProfiles = map[string]ModeProfile{
	ModeQuick:    {Priority: 1, EstimatedTokens: 2_000},
	ModeStandard: {Priority: 2, EstimatedTokens: 8_000},
	ModeDeep:     {Priority: 3, EstimatedTokens: 25_000},
}

// ProfileFor returns the profile for a mode and whether the mode is known.
func ProfileFor(mode string) (ModeProfile, bool) {
	p, ok := modeProfiles[mode]
	return p, ok
}

// Request describes one research invocation.
type Request struct {
	Query              string `json:"query"`
	Mode               string `json:"mode"`
	Jurisdiction       string `json:"jurisdiction"`
	EstimatedTokenCost int    `json:"estimated_token_cost"`
}

// Citation is a single source reference in a result.
type Citation struct {
	Title     string `json:"title"`
	Reference string `json:"reference"`
	URL       string `json:"url,omitempty"`
}

// Result is a finished research answer.
type Result struct {
	Response   string        `json:"response"`
	Citations  []Citation    `json:"citations,omitempty"`
	TokensUsed int           `json:"tokens_used"`
	Duration   time.Duration `json:"duration_ms"`
}

// Executor performs the actual research/inference work. It is slow, opaque,
// and may fail; callers only see success or failure plus reported token
// usage.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}
