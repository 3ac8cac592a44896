package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore delegates every mutation to the store's atomic procedures.
// The application never runs compare-and-swap logic on balances; the
// procedure checks sufficiency, decrements and writes the ledger line in
// one transaction keyed by the idempotency key.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	query := `SELECT balance, credit_floor FROM get_user_balance($1)`

	b := Balance{UserID: userID}
	err := s.db.QueryRow(ctx, query, userID).Scan(&b.Balance, &b.Floor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No credit row yet: zero balance, default floor.
			return &Balance{UserID: userID}, nil
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return &b, nil
}

func (s *PostgresStore) Deduct(ctx context.Context, userID string, amount int64, description, traceID, idempotencyKey string) (*DeductResult, error) {
	query := `
		SELECT success, new_balance, amount_deducted, duplicate
		FROM deduct_credits($1, $2, $3, $4, $5)
	`

	var res DeductResult
	err := s.db.QueryRow(ctx, query, userID, amount, description, traceID, idempotencyKey).Scan(
		&res.Success, &res.NewBalance, &res.AmountDeducted, &res.Duplicate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to deduct credits: %w", err)
	}

	return &res, nil
}

func (s *PostgresStore) Grant(ctx context.Context, userID string, amount int64, grantType GrantType, description, traceID string) (int64, error) {
	query := `SELECT new_balance FROM grant_credits($1, $2, $3, $4, $5)`

	var newBalance int64
	err := s.db.QueryRow(ctx, query, userID, amount, string(grantType), description, traceID).Scan(&newBalance)
	if err != nil {
		return 0, fmt.Errorf("failed to grant credits: %w", err)
	}

	return newBalance, nil
}
