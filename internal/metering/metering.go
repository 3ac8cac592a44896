// Package metering records billable and attributable events without ever
// slowing down the user-facing response. Event rows are append-only; a
// trace ID correlates one usage event with the model-cost events beneath
// it, including failed failover attempts.
package metering

import (
	"context"
	"math"
	"time"
)

type UsageEvent struct {
	ID           string    `json:"id,omitempty"`
	TraceID      string    `json:"trace_id"`
	UserID       string    `json:"user_id"`
	Feature      string    `json:"feature"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Credits      int64     `json:"credits"`
	Success      bool      `json:"success"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type AICostEvent struct {
	ID           string    `json:"id,omitempty"`
	TraceID      string    `json:"trace_id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Credits      int64     `json:"credits"`
	// Estimated marks token counts approximated from characters rather
	// than exact provider counters.
	Estimated bool      `json:"estimated"`
	Failed    bool      `json:"failed"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type DailySummary struct {
	UserID        string         `json:"user_id"`
	Date          time.Time      `json:"date"`
	TotalRequests int            `json:"total_requests"`
	SuccessCount  int            `json:"success_count"`
	SuccessRate   float64        `json:"success_rate"` // percent, 0-100
	TotalCredits  int64          `json:"total_credits"`
	ByFeature     map[string]int `json:"by_feature"`
	ByProvider    map[string]int `json:"by_provider"`
}

// SuccessRate is the share of succeeded requests as a whole-number
// percentage, rounded to nearest. Zero requests reports zero.
func SuccessRate(succeeded, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(succeeded) / float64(total) * 100)
}

type LineItem struct {
	Feature     string `json:"feature"`
	Quantity    int64  `json:"quantity"`
	UnitCredits int64  `json:"unit_credits"`
	Description string `json:"description"`
}

type StripeSummary struct {
	UserID       string     `json:"user_id"`
	PeriodStart  time.Time  `json:"period_start"`
	PeriodEnd    time.Time  `json:"period_end"`
	LineItems    []LineItem `json:"line_items"`
	TotalCredits int64      `json:"total_credits"`
}

type Store interface {
	InsertUsageEvent(ctx context.Context, ev *UsageEvent) error
	InsertAICostEvent(ctx context.Context, ev *AICostEvent) error
	AggregateDaily(ctx context.Context, userID string, day time.Time) (*DailySummary, error)
	StripeSummary(ctx context.Context, userID string, start, end time.Time) (*StripeSummary, error)
}
