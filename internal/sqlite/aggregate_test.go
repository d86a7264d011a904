package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lunara-ai/converse/internal/domain/analytics"
)

func TestAggregateRepository_RecordBatchAndTotals(t *testing.T) {
	db := NewTestDB(t)
	repo := NewAggregateRepository(db)
	ctx := context.Background()

	userA := "user-a"
	userB := "user-b"
	at := time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC)

	events := []analytics.TurnEvent{
		{TenantID: "tenant1", SessionID: "s1", UserID: &userA, Intent: "greeting", Confidence: 0.9, ResponseTimeMs: 100, OccurredAt: at},
		{TenantID: "tenant1", SessionID: "s1", UserID: &userA, Intent: "order.status", Confidence: 0.7, ResponseTimeMs: 300, Escalated: true, OccurredAt: at.Add(time.Minute)},
		{TenantID: "tenant1", SessionID: "s2", UserID: &userB, Intent: "greeting", Confidence: 0.8, ResponseTimeMs: 200, OccurredAt: at.Add(2 * time.Hour)},
	}
	require.NoError(t, repo.RecordBatch(ctx, events))

	totals, err := repo.DailyTotals(ctx, "tenant1", "2026-03-15")
	require.NoError(t, err)
	require.Equal(t, 3, totals.MessageCount)
	require.InDelta(t, 2.4, totals.ConfidenceSum, 0.0001)
	require.Equal(t, int64(600), totals.ResponseTimeSum)
	require.Equal(t, 1, totals.Escalations)

	hours, err := repo.HourlyCounts(ctx, "tenant1", "2026-03-15")
	require.NoError(t, err)
	require.Equal(t, 2, hours[14])
	require.Equal(t, 1, hours[16])

	users, err := repo.UniqueUsers(ctx, "tenant1", "2026-03-15")
	require.NoError(t, err)
	require.Equal(t, 2, users)

	intents, err := repo.TopIntents(ctx, "tenant1", "2026-03-15", 10)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	require.Equal(t, "greeting", intents[0].Intent)
	require.Equal(t, 2, intents[0].MessageCount)
	require.InDelta(t, 0.85, intents[0].AvgConfidence, 0.0001)
}

func TestAggregateRepository_EmptyDay(t *testing.T) {
	db := NewTestDB(t)
	repo := NewAggregateRepository(db)
	ctx := context.Background()

	totals, err := repo.DailyTotals(ctx, "tenant1", "2026-01-01")
	require.NoError(t, err)
	require.Equal(t, 0, totals.MessageCount)

	users, err := repo.UniqueUsers(ctx, "tenant1", "2026-01-01")
	require.NoError(t, err)
	require.Zero(t, users)

	intents, err := repo.TopIntents(ctx, "tenant1", "2026-01-01", 10)
	require.NoError(t, err)
	require.Empty(t, intents)
}

func TestAggregateRepository_TenantIsolation(t *testing.T) {
	db := NewTestDB(t)
	repo := NewAggregateRepository(db)
	ctx := context.Background()

	at := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.RecordBatch(ctx, []analytics.TurnEvent{
		{TenantID: "tenant1", SessionID: "s1", Intent: "greeting", Confidence: 0.9, ResponseTimeMs: 100, OccurredAt: at},
	}))

	totals, err := repo.DailyTotals(ctx, "tenant2", "2026-03-15")
	require.NoError(t, err)
	require.Zero(t, totals.MessageCount)
}
