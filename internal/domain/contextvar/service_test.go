package contextvar_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lunara-ai/converse/internal/domain/contextvar"
	"github.com/lunara-ai/converse/internal/domain/rule"
	"github.com/lunara-ai/converse/internal/domain/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSessionStore applies updates the way the lifecycle controller does:
// variables and active contexts replace wholesale, metadata merges.
type fakeSessionStore struct {
	sessions map[string]*session.Session
	updates  int
}

func newFakeSessionStore(sessions ...*session.Session) *fakeSessionStore {
	store := &fakeSessionStore{sessions: map[string]*session.Session{}}
	for _, sess := range sessions {
		store.sessions[sess.TenantID+":"+sess.ID] = sess
	}
	return store
}

func (f *fakeSessionStore) Get(_ context.Context, tenantID, id string) (*session.Session, error) {
	sess, ok := f.sessions[tenantID+":"+id]
	if !ok {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

func (f *fakeSessionStore) Update(_ context.Context, tenantID, id string, fields session.UpdateFields) (*session.Session, error) {
	sess, ok := f.sessions[tenantID+":"+id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	if fields.Variables != nil {
		sess.Variables = fields.Variables
	}
	if fields.ActiveContexts != nil {
		sess.ActiveContexts = fields.ActiveContexts
	}
	f.updates++
	copied := *sess
	return &copied, nil
}

func activeSession(tenantID, id string) *session.Session {
	return &session.Session{
		ID:             id,
		TenantID:       tenantID,
		Status:         session.StatusActive,
		Variables:      map[string]session.Variable{},
		ActiveContexts: []string{},
	}
}

func TestSetVariable_InferredTypes(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore(activeSession("tenant1", "sess1"))
	svc := contextvar.NewService(store, testLogger())

	cases := []struct {
		name  string
		value any
		typ   session.ValueType
	}{
		{"customer", "Ada", session.TypeString},
		{"score", 82.5, session.TypeNumber},
		{"vip", true, session.TypeBoolean},
		{"cart", []any{"a", "b"}, session.TypeArray},
		{"address", map[string]any{"city": "Lyon"}, session.TypeObject},
		{"cleared", nil, session.TypeNull},
	}

	for _, tc := range cases {
		_, err := svc.SetVariable(ctx, "tenant1", "sess1", tc.name, tc.value, contextvar.SetVariableOptions{})
		require.NoError(t, err)
	}

	sess, err := store.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	for _, tc := range cases {
		v, ok := sess.Variables[tc.name]
		require.True(t, ok, tc.name)
		require.Equal(t, tc.typ, v.Type, tc.name)
		require.Equal(t, session.SourceAPI, v.Source)
	}
}

func TestSetVariable_EmptyName(t *testing.T) {
	store := newFakeSessionStore(activeSession("tenant1", "sess1"))
	svc := contextvar.NewService(store, testLogger())

	_, err := svc.SetVariable(context.Background(), "tenant1", "sess1", "", "x", contextvar.SetVariableOptions{})
	require.ErrorIs(t, err, contextvar.ErrInvalidInput)
}

func TestSetVariable_UnknownSession(t *testing.T) {
	store := newFakeSessionStore()
	svc := contextvar.NewService(store, testLogger())

	_, err := svc.SetVariable(context.Background(), "tenant1", "nope", "x", 1, contextvar.SetVariableOptions{})
	require.ErrorIs(t, err, contextvar.ErrSessionNotFound)
}

func TestVariableLifespan_ExpiresOnWallClock(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore(activeSession("tenant1", "sess1"))

	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	clock := now
	svc := contextvar.NewService(store, testLogger(),
		contextvar.WithClock(func() time.Time { return clock }))

	lifespan := 1
	_, err := svc.SetVariable(ctx, "tenant1", "sess1", "otp", "123456", contextvar.SetVariableOptions{
		LifespanMinutes: &lifespan,
	})
	require.NoError(t, err)

	v, err := svc.GetVariable(ctx, "tenant1", "sess1", "otp")
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, "123456", v.Value)

	clock = now.Add(61 * time.Second)
	v, err = svc.GetVariable(ctx, "tenant1", "sess1", "otp")
	require.NoError(t, err)
	require.Nil(t, v, "variable past its lifespan reads as absent")

	// The purge is persisted: the variable is gone from the session.
	sess, err := store.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.NotContains(t, sess.Variables, "otp")
}

func TestGetContext_StripsMetadataAndPurgesExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)

	sess := activeSession("tenant1", "sess1")
	sess.Variables = map[string]session.Variable{
		"name": {Value: "Ada", Type: session.TypeString},
		"otp":  {Value: "123456", Type: session.TypeString, ExpiresAt: &expired},
	}
	store := newFakeSessionStore(sess)
	svc := contextvar.NewService(store, testLogger(),
		contextvar.WithClock(func() time.Time { return now }))

	values, err := svc.GetContext(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "Ada"}, values)

	stored, err := store.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.NotContains(t, stored.Variables, "otp")
}

func TestDeleteVariable(t *testing.T) {
	ctx := context.Background()
	sess := activeSession("tenant1", "sess1")
	sess.Variables = map[string]session.Variable{
		"name": {Value: "Ada", Type: session.TypeString},
	}
	store := newFakeSessionStore(sess)
	svc := contextvar.NewService(store, testLogger())

	require.NoError(t, svc.DeleteVariable(ctx, "tenant1", "sess1", "name"))
	v, err := svc.GetVariable(ctx, "tenant1", "sess1", "name")
	require.NoError(t, err)
	require.Nil(t, v)

	// Deleting an absent variable is a no-op, not an error.
	updates := store.updates
	require.NoError(t, svc.DeleteVariable(ctx, "tenant1", "sess1", "name"))
	require.Equal(t, updates, store.updates)
}

func TestSetActiveContext_DefaultLifespan(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore(activeSession("tenant1", "sess1"))
	svc := contextvar.NewService(store, testLogger(), contextvar.WithDefaultLifespan(5))

	require.NoError(t, svc.SetActiveContext(ctx, "tenant1", "sess1", "checkout", 0))

	sess, err := store.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.Equal(t, []string{"checkout:5"}, sess.ActiveContexts)

	active, err := svc.IsContextActive(ctx, "tenant1", "sess1", "checkout")
	require.NoError(t, err)
	require.True(t, active)

	// Re-activating replaces the countdown instead of stacking entries.
	require.NoError(t, svc.SetActiveContext(ctx, "tenant1", "sess1", "checkout", 2))
	sess, err = store.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.Equal(t, []string{"checkout:2"}, sess.ActiveContexts)
}

func TestDecrementContextLifespans(t *testing.T) {
	ctx := context.Background()
	sess := activeSession("tenant1", "sess1")
	sess.ActiveContexts = []string{"promo:2", "checkout:1"}
	store := newFakeSessionStore(sess)
	svc := contextvar.NewService(store, testLogger())

	require.NoError(t, svc.DecrementContextLifespans(ctx, "tenant1", "sess1"))

	got, err := store.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.Equal(t, []string{"promo:1"}, got.ActiveContexts)
}

func TestMergeContexts_TargetWins(t *testing.T) {
	ctx := context.Background()

	target := activeSession("tenant1", "target")
	target.Variables = map[string]session.Variable{
		"a": {Value: 1.0, Type: session.TypeNumber},
	}
	target.ActiveContexts = []string{"checkout:3"}

	source := activeSession("tenant1", "source")
	source.Variables = map[string]session.Variable{
		"a": {Value: 2.0, Type: session.TypeNumber},
		"b": {Value: 3.0, Type: session.TypeNumber},
	}
	source.ActiveContexts = []string{"checkout:1", "promo:2"}

	store := newFakeSessionStore(target, source)
	svc := contextvar.NewService(store, testLogger())

	require.NoError(t, svc.MergeContexts(ctx, "tenant1", "target", "source"))

	merged, err := store.Get(ctx, "tenant1", "target")
	require.NoError(t, err)
	require.Equal(t, 1.0, merged.Variables["a"].Value, "target value wins")
	require.Equal(t, 3.0, merged.Variables["b"].Value)
	require.Equal(t, []string{"checkout:3", "promo:2"}, merged.ActiveContexts)
}

type stubEvaluator struct {
	outcome *rule.Outcome
	events  []rule.Event
}

func (s *stubEvaluator) Evaluate(_ context.Context, _ *session.Session, ev rule.Event) *rule.Outcome {
	s.events = append(s.events, ev)
	return s.outcome
}

func TestSetVariable_FiresRulePass(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore(activeSession("tenant1", "sess1"))
	evaluator := &stubEvaluator{outcome: &rule.Outcome{
		MatchedRules:     []string{"r1"},
		TriggeredIntents: []string{"vip.greeting"},
	}}
	svc := contextvar.NewService(store, testLogger(), contextvar.WithRuleEvaluator(evaluator))

	outcome, err := svc.SetVariable(ctx, "tenant1", "sess1", "tier", "vip", contextvar.SetVariableOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"vip.greeting"}, outcome.TriggeredIntents)

	require.Len(t, evaluator.events, 1)
	require.Equal(t, "variable_set", evaluator.events[0].Type)
	require.Equal(t, "tier", evaluator.events[0].Variable)
}
