package analytics

import (
	"context"
	"time"
)

// DateLayout is the per-day bucket key format.
const DateLayout = "2006-01-02"

// DateOf returns the daily bucket key for a timestamp.
func DateOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// TurnEvent is the committed-turn notification consumed by the
// aggregator. Delivery is at-least-once; redelivery may double-count.
type TurnEvent struct {
	TenantID       string    `json:"tenant_id"`
	SessionID      string    `json:"session_id"`
	UserID         *string   `json:"user_id,omitempty"`
	Intent         string    `json:"intent"`
	Confidence     float64   `json:"confidence"`
	ResponseTimeMs int       `json:"response_time_ms"`
	Escalated      bool      `json:"escalated"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// DailyTotals holds the raw per-day running sums.
type DailyTotals struct {
	MessageCount    int
	ConfidenceSum   float64
	ResponseTimeSum int64
	Escalations     int
}

// IntentStat is one intent's per-day ranking entry.
type IntentStat struct {
	Intent        string  `json:"intent"`
	MessageCount  int     `json:"message_count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// DailySummary is the displayed per-day view, with zero-safe averages
// computed from the running sums.
type DailySummary struct {
	Date              string       `json:"date"`
	MessageCount      int          `json:"message_count"`
	AvgConfidence     float64      `json:"avg_confidence"`
	AvgResponseTimeMs int          `json:"avg_response_time_ms"`
	UniqueUsers       int          `json:"unique_users"`
	Escalations       int          `json:"escalations"`
	Hourly            [24]int      `json:"hourly"`
	TopIntents        []IntentStat `json:"top_intents"`
}

// Repository provides persistence for the derived aggregates.
type Repository interface {
	RecordBatch(ctx context.Context, events []TurnEvent) error
	DailyTotals(ctx context.Context, tenantID, date string) (*DailyTotals, error)
	HourlyCounts(ctx context.Context, tenantID, date string) ([24]int, error)
	UniqueUsers(ctx context.Context, tenantID, date string) (int, error)
	TopIntents(ctx context.Context, tenantID, date string, limit int) ([]IntentStat, error)
}
