// Package quota admits or rejects requests against per-user ceilings read
// from the external limits store.
package quota

import (
	"context"
	"log"
	"time"

	"github.com/llmgate/gemini-proxy/internal/apierror"
	"github.com/llmgate/gemini-proxy/internal/billing"
)

// LimitsStore is the slice of the limits collaborator the guard reads.
type LimitsStore interface {
	CheckLimits(ctx context.Context, userID string, limits billing.TierLimits) (*billing.QuotaSnapshot, error)
}

// ExceededDetails is attached to 429 responses: which dimension tripped, the
// observed counter, the ceiling, and the wall-clock instant the window
// resets.
type ExceededDetails struct {
	Dimension string    `json:"dimension"` // "requests", "tokens" or "cost"
	Observed  float64   `json:"observed"`
	Limit     float64   `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

type Guard struct {
	store LimitsStore
	now   func() time.Time
}

func NewGuard(store LimitsStore) *Guard {
	return &Guard{store: store, now: time.Now}
}

// Check evaluates the ceilings in fixed order: requests/hour, tokens/day,
// cost/day. The first violation short-circuits. If the snapshot query itself
// fails the guard fails open: an infrastructure outage must not block
// traffic, at the cost of a bounded over-admission window.
func (g *Guard) Check(ctx context.Context, userID, tier string) error {
	limits := billing.LimitsForTier(tier)

	snap, err := g.store.CheckLimits(ctx, userID, limits)
	if err != nil {
		log.Printf("quota: limits store unavailable, failing open for user %s: %v", userID, err)
		return nil
	}

	now := g.now()

	if !snap.WithinRequestLimit {
		return apierror.RateLimitExceeded("hourly request limit reached", &ExceededDetails{
			Dimension: "requests",
			Observed:  float64(snap.RequestsLastHour),
			Limit:     float64(limits.RequestsPerHour),
			ResetAt:   now.Add(time.Hour),
		})
	}

	if !snap.WithinTokenLimit {
		return apierror.QuotaExceeded("daily token quota exceeded", &ExceededDetails{
			Dimension: "tokens",
			Observed:  float64(snap.TokensToday),
			Limit:     float64(limits.TokensPerDay),
			ResetAt:   now.Add(24 * time.Hour),
		})
	}

	if !snap.WithinCostLimit {
		return apierror.QuotaExceeded("daily cost quota exceeded", &ExceededDetails{
			Dimension: "cost",
			Observed:  snap.CostTodayUSD,
			Limit:     limits.CostPerDayUSD,
			ResetAt:   now.Add(24 * time.Hour),
		})
	}

	return nil
}
