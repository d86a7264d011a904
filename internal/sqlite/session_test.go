package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lunara-ai/converse/internal/domain/session"
	"github.com/lunara-ai/converse/internal/repository"
)

func newTestSession(tenantID, id string) *session.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &session.Session{
		ID:             id,
		TenantID:       tenantID,
		Status:         session.StatusActive,
		StartedAt:      now,
		LastActivity:   now,
		Metadata:       map[string]any{},
		Analytics:      session.Analytics{IntentsTriggered: []string{}},
		Variables:      map[string]session.Variable{},
		ActiveContexts: []string{},
	}
}

func TestSessionRepository_CreateGet(t *testing.T) {
	db := NewTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	userID := "user-7"
	sess := newTestSession("tenant1", "sess1")
	sess.UserID = &userID
	sess.Metadata = map[string]any{"channel": "web"}
	sess.ActiveContexts = []string{"checkout:3"}
	sess.Variables = map[string]session.Variable{
		"name": {Value: "Ada", Type: session.TypeString, Source: session.SourceAPI, CreatedAt: sess.StartedAt},
	}

	require.NoError(t, repo.Create(ctx, sess))

	got, err := repo.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.Equal(t, "sess1", got.ID)
	require.Equal(t, session.StatusActive, got.Status)
	require.Equal(t, &userID, got.UserID)
	require.Equal(t, "web", got.Metadata["channel"])
	require.Equal(t, []string{"checkout:3"}, got.ActiveContexts)
	require.Equal(t, "Ada", got.Variables["name"].Value)
	require.Nil(t, got.EndedAt)
}

func TestSessionRepository_Get_NotFound(t *testing.T) {
	db := NewTestDB(t)
	repo := NewSessionRepository(db)

	_, err := repo.Get(context.Background(), "tenant1", "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSessionRepository_Create_Duplicate(t *testing.T) {
	db := NewTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestSession("tenant1", "sess1")))
	err := repo.Create(ctx, newTestSession("tenant1", "sess1"))
	require.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestSessionRepository_TenantIsolation(t *testing.T) {
	db := NewTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestSession("tenant1", "sess1")))

	_, err := repo.Get(ctx, "tenant2", "sess1")
	require.ErrorIs(t, err, repository.ErrNotFound)

	other := newTestSession("tenant2", "sess1")
	other.Status = session.StatusEnded
	require.ErrorIs(t, repo.Update(ctx, other), repository.ErrNotFound)
}

func TestSessionRepository_Update(t *testing.T) {
	db := NewTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	sess := newTestSession("tenant1", "sess1")
	require.NoError(t, repo.Create(ctx, sess))

	satisfaction := 4.5
	reason := "resolved"
	now := time.Now().UTC().Truncate(time.Second)
	sess.Status = session.StatusEnded
	sess.EndedAt = &now
	sess.EndReason = &reason
	sess.Analytics.Satisfaction = &satisfaction
	sess.Analytics.Escalated = true
	sess.ActiveContexts = []string{"support:2"}
	require.NoError(t, repo.Update(ctx, sess))

	got, err := repo.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.Equal(t, session.StatusEnded, got.Status)
	require.NotNil(t, got.EndedAt)
	require.Equal(t, &reason, got.EndReason)
	require.Equal(t, &satisfaction, got.Analytics.Satisfaction)
	require.True(t, got.Analytics.Escalated)
	require.Equal(t, []string{"support:2"}, got.ActiveContexts)
}

func TestSessionRepository_MarkExpired(t *testing.T) {
	db := NewTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	sess := newTestSession("tenant1", "sess1")
	require.NoError(t, repo.Create(ctx, sess))

	at := time.Now().UTC().Truncate(time.Second)
	changed, err := repo.MarkExpired(ctx, "tenant1", "sess1", at)
	require.NoError(t, err)
	require.True(t, changed)

	got, err := repo.Get(ctx, "tenant1", "sess1")
	require.NoError(t, err)
	require.Equal(t, session.StatusExpired, got.Status)
	require.NotNil(t, got.EndedAt)

	// Second attempt is a no-op: the session is no longer active.
	changed, err = repo.MarkExpired(ctx, "tenant1", "sess1", at)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestSessionRepository_ExpireStale(t *testing.T) {
	db := NewTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	stale := newTestSession("tenant1", "stale")
	stale.LastActivity = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, stale))

	fresh := newTestSession("tenant1", "fresh")
	require.NoError(t, repo.Create(ctx, fresh))

	refs, err := repo.ExpireStale(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "stale", refs[0].SessionID)
	require.Equal(t, "tenant1", refs[0].TenantID)

	got, err := repo.Get(ctx, "tenant1", "stale")
	require.NoError(t, err)
	require.Equal(t, session.StatusExpired, got.Status)

	got, err = repo.Get(ctx, "tenant1", "fresh")
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, got.Status)
}

func TestSessionRepository_DeleteOlderThan(t *testing.T) {
	db := NewTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	old := newTestSession("tenant1", "old")
	old.StartedAt = time.Now().UTC().Add(-100 * 24 * time.Hour)
	require.NoError(t, repo.Create(ctx, old))
	require.NoError(t, repo.Create(ctx, newTestSession("tenant1", "recent")))

	count, err := repo.DeleteOlderThan(ctx, time.Now().UTC().Add(-90*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	_, err = repo.Get(ctx, "tenant1", "old")
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.Get(ctx, "tenant1", "recent")
	require.NoError(t, err)
}
