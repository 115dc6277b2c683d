package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordUsage(ctx context.Context, record *UsageRecord) error {
	query := `
		INSERT INTO usage_records (user_id, request_id, model, kind, total_tokens, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		record.UserID, record.RequestID, record.Model, record.Kind,
		record.TotalTokens, record.CostUSD,
	).Scan(&record.ID, &record.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	return nil
}

// CheckLimits computes the snapshot in one aggregate query so the counters
// reflect a single point in time.
func (s *PostgresStore) CheckLimits(ctx context.Context, userID string, limits TierLimits) (*QuotaSnapshot, error) {
	query := `
		SELECT
			count(*) FILTER (WHERE created_at > now() - interval '1 hour'),
			COALESCE(sum(total_tokens) FILTER (WHERE created_at >= date_trunc('day', now())), 0),
			COALESCE(sum(cost_usd) FILTER (WHERE created_at >= date_trunc('day', now())), 0)
		FROM usage_records
		WHERE user_id = $1
	`

	snap := &QuotaSnapshot{Limits: limits}
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&snap.RequestsLastHour, &snap.TokensToday, &snap.CostTodayUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to check limits: %w", err)
	}

	snap.WithinRequestLimit = snap.RequestsLastHour < limits.RequestsPerHour
	snap.WithinTokenLimit = snap.TokensToday < limits.TokensPerDay
	snap.WithinCostLimit = snap.CostTodayUSD < limits.CostPerDayUSD

	return snap, nil
}

func (s *PostgresStore) GetUsageSummary(ctx context.Context, userID string, from, to time.Time) (*UsageSummary, error) {
	query := `
		SELECT count(*), COALESCE(sum(total_tokens), 0), COALESCE(sum(cost_usd), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`

	summary := &UsageSummary{UserID: userID, From: from, To: to}
	err := s.db.QueryRow(ctx, query, userID, from, to).Scan(
		&summary.Requests, &summary.TotalTokens, &summary.TotalCostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}

	return summary, nil
}
