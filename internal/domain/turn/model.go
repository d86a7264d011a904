package turn

import "time"

// Turn is one user-input/bot-response exchange within a session.
// Turns are immutable once created and ordered by creation time.
type Turn struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	SessionID       string         `json:"session_id"`
	UserInput       string         `json:"user_input"`
	BotResponse     string         `json:"bot_response"`
	Intent          string         `json:"intent"`
	Confidence      float64        `json:"confidence"`
	Parameters      map[string]any `json:"parameters"`
	ResponseTimeMs  int            `json:"response_time_ms"`
	FulfillmentUsed bool           `json:"fulfillment_used"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Input carries the caller-supplied fields of a new turn.
type Input struct {
	UserInput       string
	BotResponse     string
	Intent          string
	Confidence      float64
	Parameters      map[string]any
	ResponseTimeMs  int
	FulfillmentUsed bool
}

// Statistics summarizes a session's conversation, derived from the
// session record and its turn history.
type Statistics struct {
	SessionID         string        `json:"session_id"`
	MessageCount      int           `json:"message_count"`
	Duration          time.Duration `json:"duration"`
	UniqueIntents     int           `json:"unique_intents"`
	AvgConfidence     float64       `json:"avg_confidence"`
	AvgResponseTimeMs int           `json:"avg_response_time_ms"`
	Escalated         bool          `json:"escalated"`
}
