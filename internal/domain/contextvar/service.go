package contextvar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lunara-ai/converse/internal/domain/rule"
	"github.com/lunara-ai/converse/internal/domain/session"
)

// SessionStore is the slice of the lifecycle controller this service
// writes through, so last-activity and the read cache stay consistent.
type SessionStore interface {
	Get(ctx context.Context, tenantID, id string) (*session.Session, error)
	Update(ctx context.Context, tenantID, id string, fields session.UpdateFields) (*session.Session, error)
}

// RuleEvaluator runs context rules against a session after a variable
// write. Satisfied by *rule.Engine.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, sess *session.Session, ev rule.Event) *rule.Outcome
}

// Service is the variable store and active-context tracker.
type Service struct {
	sessions        SessionStore
	rules           RuleEvaluator
	logger          *slog.Logger
	defaultLifespan int
	now             func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultLifespan sets the default active-context lifespan in turns.
func WithDefaultLifespan(turns int) Option {
	return func(s *Service) {
		if turns > 0 {
			s.defaultLifespan = turns
		}
	}
}

// WithRuleEvaluator wires the rule engine fired on variable writes.
func WithRuleEvaluator(rules RuleEvaluator) Option {
	return func(s *Service) { s.rules = rules }
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a context service.
func NewService(sessions SessionStore, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		sessions:        sessions,
		logger:          logger,
		defaultLifespan: DefaultLifespanTurns,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetVariableOptions carries the optional attributes of a variable write.
type SetVariableOptions struct {
	Type            session.ValueType
	LifespanMinutes *int
	Source          session.Source
}

// SetVariable writes a variable and fires a variable_set rule pass. The
// type is inferred from the value's shape when not given; a nil value is
// stored with the explicit null type. An expiry is computed only for a
// positive lifespan.
func (s *Service) SetVariable(ctx context.Context, tenantID, sessionID, name string, value any, opts SetVariableOptions) (*rule.Outcome, error) {
	if name == "" {
		return nil, ErrInvalidInput
	}

	sess, err := s.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	typ := opts.Type
	if typ == "" {
		typ = session.InferType(value)
	}
	source := opts.Source
	if source == "" {
		source = session.SourceAPI
	}

	now := s.now()
	variable := session.Variable{
		Value:     value,
		Type:      typ,
		Source:    source,
		CreatedAt: now,
	}
	if opts.LifespanMinutes != nil && *opts.LifespanMinutes > 0 {
		lifespan := *opts.LifespanMinutes
		expires := now.Add(time.Duration(lifespan) * time.Minute)
		variable.LifespanMinutes = &lifespan
		variable.ExpiresAt = &expires
	}

	vars := copyVariables(sess.Variables)
	vars[name] = variable

	updated, err := s.sessions.Update(ctx, tenantID, sessionID, session.UpdateFields{Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("storing variable: %w", err)
	}

	if s.rules == nil {
		return &rule.Outcome{}, nil
	}

	outcome := s.rules.Evaluate(ctx, updated, rule.Event{Type: "variable_set", Variable: name})
	if outcome.ContextChanged {
		if _, err := s.sessions.Update(ctx, tenantID, sessionID, session.UpdateFields{
			Variables:      updated.Variables,
			ActiveContexts: updated.ActiveContexts,
		}); err != nil {
			return outcome, fmt.Errorf("storing rule mutations: %w", err)
		}
	}
	return outcome, nil
}

// GetVariable returns a variable, or nil when it is absent or expired.
// An expired variable is deleted before returning.
func (s *Service) GetVariable(ctx context.Context, tenantID, sessionID, name string) (*session.Variable, error) {
	sess, err := s.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}

	variable, ok := sess.Variables[name]
	if !ok {
		return nil, nil
	}
	if variable.Expired(s.now()) {
		vars := copyVariables(sess.Variables)
		delete(vars, name)
		if _, err := s.sessions.Update(ctx, tenantID, sessionID, session.UpdateFields{Variables: vars}); err != nil {
			s.logger.Error("purging expired variable failed",
				"tenant", tenantID, "session", sessionID, "variable", name, "error", err)
		}
		return nil, nil
	}
	return &variable, nil
}

// DeleteVariable removes a variable.
func (s *Service) DeleteVariable(ctx context.Context, tenantID, sessionID, name string) error {
	sess, err := s.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if _, ok := sess.Variables[name]; !ok {
		return nil
	}
	vars := copyVariables(sess.Variables)
	delete(vars, name)
	if _, err := s.sessions.Update(ctx, tenantID, sessionID, session.UpdateFields{Variables: vars}); err != nil {
		return fmt.Errorf("deleting variable: %w", err)
	}
	return nil
}

// GetContext returns all live variable values by name, with metadata
// stripped. Expired variables are purged in one pass and the purge is
// persisted if anything changed.
func (s *Service) GetContext(ctx context.Context, tenantID, sessionID string) (map[string]any, error) {
	sess, err := s.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}

	now := s.now()
	values := make(map[string]any, len(sess.Variables))
	live := make(map[string]session.Variable, len(sess.Variables))
	purged := false
	for name, v := range sess.Variables {
		if v.Expired(now) {
			purged = true
			continue
		}
		live[name] = v
		values[name] = v.Value
	}

	if purged {
		if _, err := s.sessions.Update(ctx, tenantID, sessionID, session.UpdateFields{Variables: live}); err != nil {
			s.logger.Error("purging expired variables failed",
				"tenant", tenantID, "session", sessionID, "error", err)
		}
	}
	return values, nil
}

// SetActiveContext activates a named context with a turn-counted lifespan,
// replacing any existing entry for the same name. A lifespan <= 0 falls
// back to the configured default.
func (s *Service) SetActiveContext(ctx context.Context, tenantID, sessionID, name string, lifespanTurns int) error {
	if name == "" {
		return ErrInvalidInput
	}
	if lifespanTurns <= 0 {
		lifespanTurns = s.defaultLifespan
	}

	sess, err := s.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	contexts := ReplaceActive(sess.ActiveContexts, name, lifespanTurns)
	if _, err := s.sessions.Update(ctx, tenantID, sessionID, session.UpdateFields{ActiveContexts: contexts}); err != nil {
		return fmt.Errorf("activating context: %w", err)
	}
	return nil
}

// IsContextActive reports whether a named context is currently active.
func (s *Service) IsContextActive(ctx context.Context, tenantID, sessionID, name string) (bool, error) {
	sess, err := s.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return false, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return false, nil
	}
	return ContainsActive(sess.ActiveContexts, name), nil
}

// DecrementContextLifespans applies the per-turn decrement and persists
// the result. The turn-processing pipeline calls this exactly once per
// processed turn.
func (s *Service) DecrementContextLifespans(ctx context.Context, tenantID, sessionID string) error {
	sess, err := s.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	contexts := DecrementLifespans(sess.ActiveContexts)
	if _, err := s.sessions.Update(ctx, tenantID, sessionID, session.UpdateFields{ActiveContexts: contexts}); err != nil {
		return fmt.Errorf("decrementing contexts: %w", err)
	}
	return nil
}

// MergeContexts unions the source session's variables and active contexts
// into the target, with the target winning name collisions. Used to
// reconcile sessions, e.g. an anonymous-to-identified handoff.
func (s *Service) MergeContexts(ctx context.Context, tenantID, targetID, sourceID string) error {
	target, err := s.sessions.Get(ctx, tenantID, targetID)
	if err != nil {
		return fmt.Errorf("loading target session: %w", err)
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, targetID)
	}
	source, err := s.sessions.Get(ctx, tenantID, sourceID)
	if err != nil {
		return fmt.Errorf("loading source session: %w", err)
	}
	if source == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sourceID)
	}

	vars := copyVariables(target.Variables)
	for name, v := range source.Variables {
		if _, exists := vars[name]; exists {
			continue
		}
		vars[name] = v
	}
	contexts := MergeActive(target.ActiveContexts, source.ActiveContexts)

	if _, err := s.sessions.Update(ctx, tenantID, targetID, session.UpdateFields{
		Variables:      vars,
		ActiveContexts: contexts,
	}); err != nil {
		return fmt.Errorf("merging contexts: %w", err)
	}
	return nil
}

func copyVariables(vars map[string]session.Variable) map[string]session.Variable {
	copied := make(map[string]session.Variable, len(vars)+1)
	for name, v := range vars {
		copied[name] = v
	}
	return copied
}
