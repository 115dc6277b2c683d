package auth

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresProfileStore struct {
	db DB
}

func NewPostgresProfileStore(db DB) ProfileStore {
	return &PostgresProfileStore{db: db}
}

// GetOrCreate loads the profile, inserting a default free-tier active row on
// first use. ON CONFLICT DO NOTHING keeps concurrent first-use idempotent:
// both racers converge on the same row.
func (s *PostgresProfileStore) GetOrCreate(ctx context.Context, userID, email string) (*Profile, error) {
	insert := `
		INSERT INTO profiles (user_id, email, tier, active)
		VALUES ($1, $2, 'free', true)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, insert, userID, email); err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	query := `
		SELECT user_id, email, tier, active, created_at
		FROM profiles
		WHERE user_id = $1
	`
	var p Profile
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.Email, &p.Tier, &p.Active, &p.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("profile missing after insert for user %s", userID)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return &p, nil
}
