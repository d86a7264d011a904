package rule

import (
	"context"
	"time"
)

// ActionType enumerates what a rule does when its condition holds.
type ActionType string

const (
	ActionSet           ActionType = "set"
	ActionUpdate        ActionType = "update"
	ActionDelete        ActionType = "delete"
	ActionTriggerIntent ActionType = "trigger_intent"
	ActionCallWebhook   ActionType = "call_webhook"
)

// Action describes a rule's effect. Variable actions mutate the session
// context directly; intent triggers and webhook calls are returned to the
// caller as pending effects, never performed by the engine itself.
type Action struct {
	Type     ActionType `json:"type"`
	Variable string     `json:"variable,omitempty"`
	Value    any        `json:"value,omitempty"`
	Intent   string     `json:"intent,omitempty"`
	URL      string     `json:"url,omitempty"`
}

// Rule is a configured condition -> action pair. Conditions reference
// context variables as $name tokens.
type Rule struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Condition   string    `json:"condition"`
	Action      Action    `json:"action"`
	Priority    int       `json:"priority"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is the trigger a rule evaluation runs against.
type Event struct {
	Type     string
	Variable string
	Intent   string
}

// WebhookCall is a pending webhook effect for the caller to perform.
type WebhookCall struct {
	RuleID string `json:"rule_id"`
	URL    string `json:"url"`
}

// Outcome collects the effects of one evaluation pass.
type Outcome struct {
	MatchedRules     []string      `json:"matched_rules"`
	ContextChanged   bool          `json:"context_changed"`
	TriggeredIntents []string      `json:"triggered_intents"`
	WebhookCalls     []WebhookCall `json:"webhook_calls"`
}

// Repository provides persistence for context rules.
type Repository interface {
	Create(ctx context.Context, r *Rule) error
	// ListEnabled returns enabled rules sorted by descending priority.
	ListEnabled(ctx context.Context, tenantID string) ([]Rule, error)
	Delete(ctx context.Context, tenantID, id string) error
}
