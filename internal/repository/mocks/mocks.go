package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/lunara-ai/converse/internal/domain/analytics"
	"github.com/lunara-ai/converse/internal/domain/rule"
	"github.com/lunara-ai/converse/internal/domain/session"
	"github.com/lunara-ai/converse/internal/domain/turn"
)

// SessionRepository is a mock for session.Repository.
type SessionRepository struct {
	mock.Mock
}

var _ session.Repository = (*SessionRepository)(nil)

func (m *SessionRepository) Create(ctx context.Context, sess *session.Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *SessionRepository) Get(ctx context.Context, tenantID, id string) (*session.Session, error) {
	args := m.Called(ctx, tenantID, id)
	if sess, ok := args.Get(0).(*session.Session); ok {
		return sess, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SessionRepository) Update(ctx context.Context, sess *session.Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *SessionRepository) MarkExpired(ctx context.Context, tenantID, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, tenantID, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *SessionRepository) ExpireStale(ctx context.Context, cutoff time.Time) ([]session.Ref, error) {
	args := m.Called(ctx, cutoff)
	if refs, ok := args.Get(0).([]session.Ref); ok {
		return refs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SessionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// TurnRepository is a mock for turn.Repository.
type TurnRepository struct {
	mock.Mock
}

var _ turn.Repository = (*TurnRepository)(nil)

func (m *TurnRepository) Append(ctx context.Context, t *turn.Turn) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *TurnRepository) AppendSystem(ctx context.Context, t *turn.Turn) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *TurnRepository) ListRecent(ctx context.Context, tenantID, sessionID string, limit int) ([]turn.Turn, error) {
	args := m.Called(ctx, tenantID, sessionID, limit)
	if turns, ok := args.Get(0).([]turn.Turn); ok {
		return turns, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TurnRepository) Search(ctx context.Context, tenantID, query string, limit int) ([]turn.Turn, error) {
	args := m.Called(ctx, tenantID, query, limit)
	if turns, ok := args.Get(0).([]turn.Turn); ok {
		return turns, args.Error(1)
	}
	return nil, args.Error(1)
}

// RuleRepository is a mock for rule.Repository.
type RuleRepository struct {
	mock.Mock
}

var _ rule.Repository = (*RuleRepository)(nil)

func (m *RuleRepository) Create(ctx context.Context, r *rule.Rule) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *RuleRepository) ListEnabled(ctx context.Context, tenantID string) ([]rule.Rule, error) {
	args := m.Called(ctx, tenantID)
	if rules, ok := args.Get(0).([]rule.Rule); ok {
		return rules, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RuleRepository) Delete(ctx context.Context, tenantID, id string) error {
	args := m.Called(ctx, tenantID, id)
	return args.Error(0)
}

// AggregateRepository is a mock for analytics.Repository.
type AggregateRepository struct {
	mock.Mock
}

var _ analytics.Repository = (*AggregateRepository)(nil)

func (m *AggregateRepository) RecordBatch(ctx context.Context, events []analytics.TurnEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

func (m *AggregateRepository) DailyTotals(ctx context.Context, tenantID, date string) (*analytics.DailyTotals, error) {
	args := m.Called(ctx, tenantID, date)
	if totals, ok := args.Get(0).(*analytics.DailyTotals); ok {
		return totals, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AggregateRepository) HourlyCounts(ctx context.Context, tenantID, date string) ([24]int, error) {
	args := m.Called(ctx, tenantID, date)
	if hours, ok := args.Get(0).([24]int); ok {
		return hours, args.Error(1)
	}
	return [24]int{}, args.Error(1)
}

func (m *AggregateRepository) UniqueUsers(ctx context.Context, tenantID, date string) (int, error) {
	args := m.Called(ctx, tenantID, date)
	return args.Int(0), args.Error(1)
}

func (m *AggregateRepository) TopIntents(ctx context.Context, tenantID, date string, limit int) ([]analytics.IntentStat, error) {
	args := m.Called(ctx, tenantID, date, limit)
	if stats, ok := args.Get(0).([]analytics.IntentStat); ok {
		return stats, args.Error(1)
	}
	return nil, args.Error(1)
}
