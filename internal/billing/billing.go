// Package billing defines the usage-accounting records and the limits-store
// contract backing quota decisions.
package billing

import (
	"context"
	"time"
)

type RequestKind string

const (
	KindGenerate    RequestKind = "generate"
	KindStream      RequestKind = "stream"
	KindCountTokens RequestKind = "countTokens"
	KindEmbedding   RequestKind = "embedding"
)

// UsageRecord is the durable artifact written once per completed upstream
// call. Ownership transfers to the store on write.
type UsageRecord struct {
	ID          string
	UserID      string
	RequestID   string
	Model       string
	Kind        RequestKind
	TotalTokens int
	CostUSD     float64
	CreatedAt   time.Time
}

// QuotaSnapshot is a point-in-time read of a user's counters against their
// tier ceilings, computed by the store at query time.
type QuotaSnapshot struct {
	RequestsLastHour int64
	TokensToday      int64
	CostTodayUSD     float64

	Limits TierLimits

	WithinRequestLimit bool
	WithinTokenLimit   bool
	WithinCostLimit    bool
}

// UsageSummary aggregates a user's usage over a window, for reporting.
type UsageSummary struct {
	UserID       string    `json:"user_id"`
	Requests     int64     `json:"requests"`
	TotalTokens  int64     `json:"total_tokens"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
}

type Store interface {
	RecordUsage(ctx context.Context, record *UsageRecord) error
	CheckLimits(ctx context.Context, userID string, limits TierLimits) (*QuotaSnapshot, error)
	GetUsageSummary(ctx context.Context, userID string, from, to time.Time) (*UsageSummary, error)
}
