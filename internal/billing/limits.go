package billing

// TierLimits are the three independent per-user ceilings for a subscription
// tier.
type TierLimits struct {
	RequestsPerHour int64
	TokensPerDay    int64
	CostPerDayUSD   float64
}

var tierLimits = map[string]TierLimits{
	"free":       {RequestsPerHour: 50, TokensPerDay: 100_000, CostPerDayUSD: 1.0},
	"pro":        {RequestsPerHour: 500, TokensPerDay: 1_000_000, CostPerDayUSD: 10.0},
	"premium":    {RequestsPerHour: 2_000, TokensPerDay: 5_000_000, CostPerDayUSD: 50.0},
	"enterprise": {RequestsPerHour: 10_000, TokensPerDay: 50_000_000, CostPerDayUSD: 500.0},
}

// LimitsForTier returns the ceilings for a tier, defaulting unknown tiers to
// free.
func LimitsForTier(tier string) TierLimits {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits["free"]
}
