package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	query := `
		SELECT user_id, tier, status, current_period_start, current_period_end
		FROM subscriptions
		WHERE user_id = $1
	`

	var sub Subscription
	var tier string
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&sub.UserID, &tier, &sub.Status, &sub.PeriodStart, &sub.PeriodEnd,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Tier = Tier(tier)

	return &sub, nil
}

func (s *PostgresStore) GetGrants(ctx context.Context, userID string) ([]Grant, error) {
	query := `
		SELECT feature, expires_at
		FROM entitlement_grants
		WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > now())
	`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entitlement grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var feature string
		var expiresAt *time.Time
		if err := rows.Scan(&feature, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement grant: %w", err)
		}
		grants = append(grants, Grant{Feature: Feature(feature), ExpiresAt: expiresAt})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entitlement grants: %w", err)
	}

	return grants, nil
}

func (s *PostgresStore) UpsertGrants(ctx context.Context, userID string, features []Feature) error {
	// One upsert per feature; re-provisioning the same tier is a no-op.
	query := `
		INSERT INTO entitlement_grants (user_id, feature, expires_at)
		VALUES ($1, $2, NULL)
		ON CONFLICT (user_id, feature) DO UPDATE SET expires_at = NULL
	`
	for _, f := range features {
		if _, err := s.db.Exec(ctx, query, userID, string(f)); err != nil {
			return fmt.Errorf("failed to upsert entitlement grant %s: %w", f, err)
		}
	}
	return nil
}
