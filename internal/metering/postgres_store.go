package metering

import (
	"context"
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

func (s *PostgresStore) InsertUsageEvent(ctx context.Context, ev *UsageEvent) error {
	query := `
		INSERT INTO usage_events (trace_id, user_id, feature, provider, model, input_tokens, output_tokens, credits, success, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		ev.TraceID, ev.UserID, ev.Feature, ev.Provider, ev.Model,
		ev.InputTokens, ev.OutputTokens, ev.Credits, ev.Success, ev.LatencyMs,
	).Scan(&ev.ID, &ev.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	return nil
}

func (s *PostgresStore) InsertAICostEvent(ctx context.Context, ev *AICostEvent) error {
	query := `
		INSERT INTO ai_cost_events (trace_id, user_id, provider, model, input_tokens, output_tokens, cost_usd, credits, estimated, failed, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		ev.TraceID, ev.UserID, ev.Provider, ev.Model,
		ev.InputTokens, ev.OutputTokens, ev.CostUSD, ev.Credits,
		ev.Estimated, ev.Failed, ev.LatencyMs,
	).Scan(&ev.ID, &ev.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert ai cost event: %w", err)
	}

	return nil
}

func (s *PostgresStore) AggregateDaily(ctx context.Context, userID string, day time.Time) (*DailySummary, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.AddDate(0, 0, 1)

	summary := &DailySummary{
		UserID:     userID,
		Date:       from,
		ByFeature:  make(map[string]int),
		ByProvider: make(map[string]int),
	}

	totals := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE success), COALESCE(SUM(credits), 0)
		FROM usage_events
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
	`
	err := s.db.QueryRow(ctx, totals, userID, from, to).Scan(
		&summary.TotalRequests, &summary.SuccessCount, &summary.TotalCredits,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily totals: %w", err)
	}

	summary.SuccessRate = SuccessRate(summary.SuccessCount, summary.TotalRequests)

	byFeature := `
		SELECT feature, COUNT(*)
		FROM usage_events
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY feature
	`
	if err := s.scanCounts(ctx, byFeature, userID, from, to, summary.ByFeature); err != nil {
		return nil, err
	}

	byProvider := `
		SELECT provider, COUNT(*)
		FROM usage_events
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3 AND provider <> ''
		GROUP BY provider
	`
	if err := s.scanCounts(ctx, byProvider, userID, from, to, summary.ByProvider); err != nil {
		return nil, err
	}

	return summary, nil
}

func (s *PostgresStore) scanCounts(ctx context.Context, query, userID string, from, to time.Time, dst map[string]int) error {
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return fmt.Errorf("failed to aggregate usage events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan usage aggregate: %w", err)
		}
		dst[key] = count
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating usage aggregates: %w", err)
	}

	return nil
}

func (s *PostgresStore) StripeSummary(ctx context.Context, userID string, start, end time.Time) (*StripeSummary, error) {
	query := `
		SELECT feature, COUNT(*), COALESCE(SUM(credits), 0)
		FROM usage_events
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3 AND success
		GROUP BY feature
		ORDER BY feature
	`

	rows, err := s.db.Query(ctx, query, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to build billing summary: %w", err)
	}
	defer rows.Close()

	summary := &StripeSummary{UserID: userID, PeriodStart: start, PeriodEnd: end}
	for rows.Next() {
		var item LineItem
		var totalCredits int64
		if err := rows.Scan(&item.Feature, &item.Quantity, &totalCredits); err != nil {
			return nil, fmt.Errorf("failed to scan billing line item: %w", err)
		}
		if item.Quantity > 0 {
			item.UnitCredits = (totalCredits + item.Quantity - 1) / item.Quantity
		}
		item.Description = fmt.Sprintf("%s usage %s to %s", item.Feature,
			start.Format("2006-01-02"), end.Format("2006-01-02"))
		summary.LineItems = append(summary.LineItems, item)
		summary.TotalCredits += totalCredits
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating billing line items: %w", err)
	}

	return summary, nil
}
