package session

import "time"

// Status represents the lifecycle status of a session
type Status string

const (
	StatusActive      Status = "active"
	StatusEnded       Status = "ended"
	StatusExpired     Status = "expired"
	StatusTransferred Status = "transferred"
)

// Terminal reports whether the status is a terminal state. Terminal sessions
// are never transitioned again; lifecycle calls on them are no-ops.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusExpired || s == StatusTransferred
}

// ValueType tags the shape of a stored context variable value.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeObject  ValueType = "object"
	TypeArray   ValueType = "array"
	TypeNull    ValueType = "null"
)

// Source identifies who wrote a context variable.
type Source string

const (
	SourceUser    Source = "user"
	SourceSystem  Source = "system"
	SourceAPI     Source = "api"
	SourceWebhook Source = "webhook"
)

// Variable is a named value scoped to a session, optionally expiring on
// wall-clock time. Expired variables are treated as absent by all readers
// and lazily purged on the next access to the owning session's context.
type Variable struct {
	Value           any        `json:"value"`
	Type            ValueType  `json:"type"`
	LifespanMinutes *int       `json:"lifespan_minutes,omitempty"`
	Source          Source     `json:"source"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the variable's expiry time has passed.
// Variables without a lifespan never expire.
func (v Variable) Expired(now time.Time) bool {
	return v.ExpiresAt != nil && now.After(*v.ExpiresAt)
}

// InferType derives the ValueType from a value's shape.
func InferType(value any) ValueType {
	switch value.(type) {
	case nil:
		return TypeNull
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return TypeNumber
	case []any:
		return TypeArray
	case map[string]any:
		return TypeObject
	default:
		return TypeObject
	}
}

// Analytics is the snapshot embedded in a session record. It mirrors what
// the turn log would produce but is maintained incrementally on each turn.
type Analytics struct {
	TotalMessages     int      `json:"total_messages"`
	IntentsTriggered  []string `json:"intents_triggered"`
	AvgResponseTimeMs int      `json:"avg_response_time_ms"`
	Satisfaction      *float64 `json:"satisfaction,omitempty"`
	Escalated         bool     `json:"escalated"`
}

// Session represents one bounded multi-turn conversation.
//
// Active contexts are encoded as "name:count" where count is a lifespan in
// conversational turns, decremented once per processed turn.
type Session struct {
	ID             string              `json:"id"`
	TenantID       string              `json:"tenant_id"`
	UserID         *string             `json:"user_id,omitempty"`
	Status         Status              `json:"status"`
	StartedAt      time.Time           `json:"started_at"`
	EndedAt        *time.Time          `json:"ended_at,omitempty"`
	LastActivity   time.Time           `json:"last_activity"`
	MessageCount   int                 `json:"message_count"`
	Metadata       map[string]any      `json:"metadata"`
	Analytics      Analytics           `json:"analytics"`
	Variables      map[string]Variable `json:"variables"`
	ActiveContexts []string            `json:"active_contexts"`
	EndReason      *string             `json:"end_reason,omitempty"`
	TransferredTo  *string             `json:"transferred_to,omitempty"`
}

// Clone returns a deep copy of the session. Cached sessions are shared
// across goroutines; every reader gets its own copy and publishes
// mutations through the lifecycle service.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.UserID = clonePtr(s.UserID)
	out.EndedAt = clonePtr(s.EndedAt)
	out.EndReason = clonePtr(s.EndReason)
	out.TransferredTo = clonePtr(s.TransferredTo)
	out.Analytics.Satisfaction = clonePtr(s.Analytics.Satisfaction)
	if s.Analytics.IntentsTriggered != nil {
		out.Analytics.IntentsTriggered = append([]string(nil), s.Analytics.IntentsTriggered...)
	}
	if s.ActiveContexts != nil {
		out.ActiveContexts = append([]string(nil), s.ActiveContexts...)
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Variables != nil {
		out.Variables = make(map[string]Variable, len(s.Variables))
		for k, v := range s.Variables {
			v.LifespanMinutes = clonePtr(v.LifespanMinutes)
			v.ExpiresAt = clonePtr(v.ExpiresAt)
			out.Variables[k] = v
		}
	}
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ref identifies a session across tenants, used by maintenance sweeps.
type Ref struct {
	TenantID  string
	SessionID string
}
