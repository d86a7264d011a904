package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lunara-ai/converse/internal/domain/turn"
	"github.com/lunara-ai/converse/internal/repository"
)

func newTestTurn(tenantID, sessionID, id string) *turn.Turn {
	return &turn.Turn{
		ID:         id,
		TenantID:   tenantID,
		SessionID:  sessionID,
		UserInput:  "hello",
		Intent:     "greeting",
		Confidence: 0.9,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestTurnRepository_Append_UpdatesAggregates(t *testing.T) {
	db := NewTestDB(t)
	sessions := NewSessionRepository(db)
	turns := NewTurnRepository(db)
	ctx := context.Background()

	require.NoError(t, sessions.Create(ctx, newTestSession("tenant1", "sess1")))

	// Running mean over 100, 200, 300 must land on 200 exactly.
	for i, rt := range []int{100, 200, 300} {
		tr := newTestTurn("tenant1", "sess1", fmt.Sprintf("t%d", i))
		tr.ResponseTimeMs = rt
		tr.CreatedAt = tr.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, turns.Append(ctx, tr))
	}

	sess, err := sessions.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.Equal(t, 3, sess.MessageCount)
	require.Equal(t, 3, sess.Analytics.TotalMessages)
	require.Equal(t, 200, sess.Analytics.AvgResponseTimeMs)
	require.Equal(t, []string{"greeting", "greeting", "greeting"}, sess.Analytics.IntentsTriggered)
}

func TestTurnRepository_Append_EmptyIntentNotRecorded(t *testing.T) {
	db := NewTestDB(t)
	sessions := NewSessionRepository(db)
	turns := NewTurnRepository(db)
	ctx := context.Background()

	require.NoError(t, sessions.Create(ctx, newTestSession("tenant1", "sess1")))

	tr := newTestTurn("tenant1", "sess1", "t1")
	tr.Intent = ""
	require.NoError(t, turns.Append(ctx, tr))

	sess, err := sessions.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.Equal(t, 1, sess.MessageCount)
	require.Empty(t, sess.Analytics.IntentsTriggered)
}

func TestTurnRepository_AppendSystem_LeavesAggregatesAlone(t *testing.T) {
	db := NewTestDB(t)
	sessions := NewSessionRepository(db)
	turns := NewTurnRepository(db)
	ctx := context.Background()

	sess := newTestSession("tenant1", "sess1")
	sess.LastActivity = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, sessions.Create(ctx, sess))

	tr := newTestTurn("tenant1", "sess1", "t1")
	tr.ResponseTimeMs = 300
	require.NoError(t, turns.Append(ctx, tr))

	sys := newTestTurn("tenant1", "sess1", "t2")
	sys.UserInput = ""
	sys.BotResponse = "conversation transferred to human agent"
	sys.Intent = "system.transfer"
	sys.Confidence = 1
	sys.ResponseTimeMs = 0
	sys.CreatedAt = tr.CreatedAt.Add(time.Second)
	require.NoError(t, turns.AppendSystem(ctx, sys))

	got, err := sessions.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.Equal(t, 1, got.MessageCount, "system turn is not a message")
	require.Equal(t, 300, got.Analytics.AvgResponseTimeMs, "no zero sample in the running average")
	require.Equal(t, []string{"greeting"}, got.Analytics.IntentsTriggered)
	require.True(t, got.LastActivity.Equal(sys.CreatedAt), "system turn still touches last activity")

	history, err := turns.ListRecent(ctx, "tenant1", "sess1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2, "system turn still lands in the history")
}

func TestTurnRepository_AppendSystem_UnknownSession(t *testing.T) {
	db := NewTestDB(t)
	turns := NewTurnRepository(db)

	err := turns.AppendSystem(context.Background(), newTestTurn("tenant1", "missing", "t1"))
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTurnRepository_Append_UnknownSession(t *testing.T) {
	db := NewTestDB(t)
	turns := NewTurnRepository(db)

	err := turns.Append(context.Background(), newTestTurn("tenant1", "missing", "t1"))
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTurnRepository_Append_UpdatesLastActivity(t *testing.T) {
	db := NewTestDB(t)
	sessions := NewSessionRepository(db)
	turns := NewTurnRepository(db)
	ctx := context.Background()

	sess := newTestSession("tenant1", "sess1")
	sess.LastActivity = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, sessions.Create(ctx, sess))

	tr := newTestTurn("tenant1", "sess1", "t1")
	require.NoError(t, turns.Append(ctx, tr))

	got, err := sessions.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.True(t, got.LastActivity.After(sess.LastActivity))
}

func TestTurnRepository_ListRecent(t *testing.T) {
	db := NewTestDB(t)
	sessions := NewSessionRepository(db)
	turns := NewTurnRepository(db)
	ctx := context.Background()

	require.NoError(t, sessions.Create(ctx, newTestSession("tenant1", "sess1")))

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		tr := newTestTurn("tenant1", "sess1", fmt.Sprintf("t%d", i))
		tr.UserInput = fmt.Sprintf("message %d", i)
		tr.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, turns.Append(ctx, tr))
	}

	got, err := turns.ListRecent(ctx, "tenant1", "sess1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "message 4", got[0].UserInput)
	require.Equal(t, "message 3", got[1].UserInput)

	all, err := turns.ListRecent(ctx, "tenant1", "sess1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestTurnRepository_Search(t *testing.T) {
	db := NewTestDB(t)
	sessions := NewSessionRepository(db)
	turns := NewTurnRepository(db)
	ctx := context.Background()

	require.NoError(t, sessions.Create(ctx, newTestSession("tenant1", "sess1")))
	require.NoError(t, sessions.Create(ctx, newTestSession("tenant2", "sess2")))

	tr := newTestTurn("tenant1", "sess1", "t1")
	tr.UserInput = "I want to upgrade my subscription"
	require.NoError(t, turns.Append(ctx, tr))

	other := newTestTurn("tenant2", "sess2", "t2")
	other.UserInput = "upgrade please"
	require.NoError(t, turns.Append(ctx, other))

	got, err := turns.Search(ctx, "tenant1", "upgrade", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "t1", got[0].ID)
}

func TestTurnRepository_DeletedWithSession(t *testing.T) {
	db := NewTestDB(t)
	sessions := NewSessionRepository(db)
	turns := NewTurnRepository(db)
	ctx := context.Background()

	old := newTestSession("tenant1", "old")
	old.StartedAt = time.Now().UTC().Add(-100 * 24 * time.Hour)
	require.NoError(t, sessions.Create(ctx, old))
	require.NoError(t, turns.Append(ctx, newTestTurn("tenant1", "old", "t1")))

	_, err := sessions.DeleteOlderThan(ctx, time.Now().UTC().Add(-90*24*time.Hour))
	require.NoError(t, err)

	got, err := turns.ListRecent(ctx, "tenant1", "old", 0)
	require.NoError(t, err)
	require.Empty(t, got)
}
