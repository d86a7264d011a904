// Package engine wires the session lifecycle, turn recorder, context
// tracker and rule engine into the per-turn processing pipeline.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lunara-ai/converse/internal/domain/analytics"
	"github.com/lunara-ai/converse/internal/domain/contextvar"
	"github.com/lunara-ai/converse/internal/domain/rule"
	"github.com/lunara-ai/converse/internal/domain/session"
	"github.com/lunara-ai/converse/internal/domain/turn"
)

// TurnInput is the inbound conversational turn contract supplied by the
// webhook layer after the external NLU has run.
type TurnInput struct {
	SessionID       string         `json:"session_id,omitempty"`
	UserID          *string        `json:"user_id,omitempty"`
	Text            string         `json:"text"`
	BotResponse     string         `json:"bot_response"`
	Intent          string         `json:"intent"`
	Confidence      float64        `json:"confidence"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	ResponseTimeMs  int            `json:"response_time_ms"`
	FulfillmentUsed bool           `json:"fulfillment_used"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// TurnResult is the outcome of processing one turn: the updated session
// plus the pending rule effects for the caller to perform.
type TurnResult struct {
	Session          *session.Session   `json:"session"`
	Turn             *turn.Turn         `json:"turn"`
	TriggeredIntents []string           `json:"triggered_intents,omitempty"`
	WebhookCalls     []rule.WebhookCall `json:"webhook_calls,omitempty"`
}

// Processor runs the turn pipeline. Turns for the same session are
// serialized on a per-session lock so derived fields (running average,
// active-context countdown) never lose an update to a concurrent turn.
type Processor struct {
	sessions  *session.Service
	turns     *turn.Recorder
	rules     *rule.Engine
	analytics *analytics.Service
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Processor.
type Option func(*Processor)

// WithAnalytics wires the best-effort aggregate feed.
func WithAnalytics(svc *analytics.Service) Option {
	return func(p *Processor) { p.analytics = svc }
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a turn processor.
func NewProcessor(
	sessions *session.Service,
	turns *turn.Recorder,
	rules *rule.Engine,
	logger *slog.Logger,
	opts ...Option,
) *Processor {
	p := &Processor{
		sessions: sessions,
		turns:    turns,
		rules:    rules,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessTurn handles one inbound conversational turn: the session is
// fetched or created, the turn recorded, active-context lifespans
// decremented exactly once, rules evaluated against the updated state,
// and the resulting context persisted.
func (p *Processor) ProcessTurn(ctx context.Context, tenantID string, in TurnInput) (*TurnResult, error) {
	sess, err := p.ensureSession(ctx, tenantID, in)
	if err != nil {
		return nil, err
	}

	lock := p.sessionLock(tenantID, sess.ID)
	lock.Lock()
	defer lock.Unlock()

	recorded, err := p.turns.AddTurn(ctx, tenantID, sess.ID, turn.Input{
		UserInput:       in.Text,
		BotResponse:     in.BotResponse,
		Intent:          in.Intent,
		Confidence:      in.Confidence,
		Parameters:      in.Parameters,
		ResponseTimeMs:  in.ResponseTimeMs,
		FulfillmentUsed: in.FulfillmentUsed,
	})
	if err != nil {
		return nil, fmt.Errorf("recording turn: %w", err)
	}

	// Re-read after the transactional append so rule conditions see the
	// updated counters.
	sess, err = p.sessions.Get(ctx, tenantID, sess.ID)
	if err != nil || sess == nil {
		return nil, fmt.Errorf("reloading session %s after turn", recorded.SessionID)
	}

	sess.ActiveContexts = contextvar.DecrementLifespans(sess.ActiveContexts)

	outcome := p.rules.Evaluate(ctx, sess, rule.Event{Type: "message", Intent: in.Intent})

	updated, err := p.sessions.Update(ctx, tenantID, sess.ID, session.UpdateFields{
		UserID:         in.UserID,
		Metadata:       in.Metadata,
		Variables:      sess.Variables,
		ActiveContexts: sess.ActiveContexts,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting turn state: %w", err)
	}

	p.publishAnalytics(ctx, updated, recorded)

	return &TurnResult{
		Session:          updated,
		Turn:             recorded,
		TriggeredIntents: outcome.TriggeredIntents,
		WebhookCalls:     outcome.WebhookCalls,
	}, nil
}

// ensureSession resolves the session for a turn, creating one when the
// caller supplied no id, an unknown id, or an id whose session has
// already reached a terminal state.
func (p *Processor) ensureSession(ctx context.Context, tenantID string, in TurnInput) (*session.Session, error) {
	if in.SessionID != "" {
		sess, err := p.sessions.Get(ctx, tenantID, in.SessionID)
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		if sess != nil && !sess.Status.Terminal() {
			return sess, nil
		}
		if sess == nil {
			// Caller chose the id; honor it so webhook retries converge.
			created, err := p.sessions.Create(ctx, tenantID, session.CreateOptions{
				ID:       in.SessionID,
				UserID:   in.UserID,
				Metadata: in.Metadata,
			})
			if err != nil {
				return nil, fmt.Errorf("creating session: %w", err)
			}
			return created, nil
		}
		p.logger.Info("session is terminal, starting fresh",
			"tenant", tenantID, "session", in.SessionID, "status", sess.Status)
	}

	created, err := p.sessions.Create(ctx, tenantID, session.CreateOptions{
		UserID:   in.UserID,
		Metadata: in.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return created, nil
}

// publishAnalytics feeds the derived aggregates. Failures are logged,
// never surfaced: the aggregates are best-effort.
func (p *Processor) publishAnalytics(ctx context.Context, sess *session.Session, t *turn.Turn) {
	if p.analytics == nil {
		return
	}
	event := analytics.TurnEvent{
		TenantID:       t.TenantID,
		SessionID:      t.SessionID,
		UserID:         sess.UserID,
		Intent:         t.Intent,
		Confidence:     t.Confidence,
		ResponseTimeMs: t.ResponseTimeMs,
		Escalated:      sess.Analytics.Escalated,
		OccurredAt:     t.CreatedAt,
	}
	if err := p.analytics.RecordTurns(ctx, []analytics.TurnEvent{event}); err != nil {
		p.logger.Error("analytics publish failed", "tenant", t.TenantID, "session", t.SessionID, "error", err)
	}
}

func (p *Processor) sessionLock(tenantID, sessionID string) *sync.Mutex {
	key := tenantID + ":" + sessionID
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[key] = lock
	}
	return lock
}
