package rule

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/lunara-ai/converse/internal/domain/session"
)

var variableToken = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// Engine evaluates context rules against session state. Conditions run in
// a sandboxed expression evaluator over named variables only; a failing
// rule is logged and skipped, never aborting the rest of the pass.
type Engine struct {
	rules  Repository
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	programs map[string]compiledRule
}

type compiledRule struct {
	condition string
	program   *vm.Program
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a rule engine.
func NewEngine(rules Repository, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:    rules,
		logger:   logger,
		now:      time.Now,
		programs: make(map[string]compiledRule),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the tenant's enabled rules in priority order against the
// session and event, applying variable actions to the session in memory.
// The caller persists the mutated context and performs pending effects.
// Evaluation never fails as a whole: rule loading or per-rule errors are
// logged and degrade to whatever matched so far.
func (e *Engine) Evaluate(ctx context.Context, sess *session.Session, ev Event) *Outcome {
	outcome := &Outcome{}

	rules, err := e.rules.ListEnabled(ctx, sess.TenantID)
	if err != nil {
		e.logger.Error("loading rules failed", "tenant", sess.TenantID, "error", err)
		return outcome
	}

	now := e.now()
	env := e.buildEnv(sess, ev, now)

	for _, r := range rules {
		matched, err := e.matches(r, env)
		if err != nil {
			e.logger.Warn("rule evaluation failed",
				"tenant", sess.TenantID, "rule", r.ID, "name", r.Name, "error", err)
			continue
		}
		if !matched {
			continue
		}

		outcome.MatchedRules = append(outcome.MatchedRules, r.ID)
		e.apply(sess, r, outcome, now)
		// Variable actions feed later conditions in the same pass.
		env["vars"] = variableValues(sess, now)
	}

	return outcome
}

func (e *Engine) matches(r Rule, env map[string]any) (bool, error) {
	program, err := e.compile(r)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	return ok && b, nil
}

// compile rewrites $name tokens to variable lookups and compiles the
// condition, caching the program until the condition text changes.
func (e *Engine) compile(r Rule) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.programs[r.ID]; ok && cached.condition == r.Condition {
		return cached.program, nil
	}

	rewritten := variableToken.ReplaceAllString(r.Condition, `vars["$1"]`)
	program, err := expr.Compile(rewritten, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.programs[r.ID] = compiledRule{condition: r.Condition, program: program}
	return program, nil
}

func (e *Engine) apply(sess *session.Session, r Rule, outcome *Outcome, now time.Time) {
	action := r.Action
	switch action.Type {
	case ActionSet, ActionUpdate:
		if action.Variable == "" {
			e.logger.Warn("rule action missing variable", "rule", r.ID)
			return
		}
		if sess.Variables == nil {
			sess.Variables = map[string]session.Variable{}
		}
		sess.Variables[action.Variable] = session.Variable{
			Value:     action.Value,
			Type:      session.InferType(action.Value),
			Source:    session.SourceSystem,
			CreatedAt: now,
		}
		outcome.ContextChanged = true
	case ActionDelete:
		if _, ok := sess.Variables[action.Variable]; ok {
			delete(sess.Variables, action.Variable)
			outcome.ContextChanged = true
		}
	case ActionTriggerIntent:
		if action.Intent != "" {
			outcome.TriggeredIntents = append(outcome.TriggeredIntents, action.Intent)
		}
	case ActionCallWebhook:
		if action.URL != "" {
			outcome.WebhookCalls = append(outcome.WebhookCalls, WebhookCall{RuleID: r.ID, URL: action.URL})
		}
	default:
		e.logger.Warn("unknown rule action", "rule", r.ID, "action", action.Type)
	}
}

func (e *Engine) buildEnv(sess *session.Session, ev Event, now time.Time) map[string]any {
	userID := ""
	if sess.UserID != nil {
		userID = *sess.UserID
	}

	contexts := make([]string, 0, len(sess.ActiveContexts))
	for _, entry := range sess.ActiveContexts {
		contexts = append(contexts, entry)
	}

	return map[string]any{
		"vars":       variableValues(sess, now),
		"contexts":   contexts,
		"event":      ev.Type,
		"variable":   ev.Variable,
		"intent":     ev.Intent,
		"session_id": sess.ID,
		"user_id":    userID,
	}
}

// variableValues exposes non-expired variable values by name.
func variableValues(sess *session.Session, now time.Time) map[string]any {
	values := make(map[string]any, len(sess.Variables))
	for name, v := range sess.Variables {
		if v.Expired(now) {
			continue
		}
		values[name] = v.Value
	}
	return values
}
