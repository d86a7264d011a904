package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lunara-ai/converse/internal/domain/session"
)

func cachedSession(tenantID, id string) *session.Session {
	return &session.Session{ID: id, TenantID: tenantID, Status: session.StatusActive}
}

func TestMemory_SetGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, 10)

	m.Set(ctx, cachedSession("tenant1", "sess1"))

	got, ok := m.Get(ctx, "tenant1", "sess1")
	require.True(t, ok)
	require.Equal(t, "sess1", got.ID)

	_, ok = m.Get(ctx, "tenant2", "sess1")
	require.False(t, ok, "cache keys are tenant-scoped")
}

func TestMemory_CallersNeverShareState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, 10)

	stored := cachedSession("tenant1", "sess1")
	stored.Variables = map[string]session.Variable{
		"name": {Value: "Ada", Type: session.TypeString},
	}
	stored.ActiveContexts = []string{"checkout:3"}
	m.Set(ctx, stored)

	// Mutating the stored record after Set must not reach the cache.
	stored.Variables["leaked"] = session.Variable{Value: true, Type: session.TypeBoolean}
	stored.ActiveContexts[0] = "checkout:0"

	got, ok := m.Get(ctx, "tenant1", "sess1")
	require.True(t, ok)
	require.NotContains(t, got.Variables, "leaked")
	require.Equal(t, []string{"checkout:3"}, got.ActiveContexts)

	// Mutating one reader's copy must not reach the next reader.
	got.Variables["mine"] = session.Variable{Value: 1.0, Type: session.TypeNumber}
	got.ActiveContexts[0] = "promo:2"

	other, ok := m.Get(ctx, "tenant1", "sess1")
	require.True(t, ok)
	require.NotSame(t, got, other)
	require.NotContains(t, other.Variables, "mine")
	require.Equal(t, []string{"checkout:3"}, other.ActiveContexts)
}

func TestMemory_StaleEntryDroppedOnRead(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

	m := NewMemory(5*time.Minute, 10)
	m.now = func() time.Time { return now }

	m.Set(ctx, cachedSession("tenant1", "sess1"))

	now = now.Add(4 * time.Minute)
	_, ok := m.Get(ctx, "tenant1", "sess1")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = m.Get(ctx, "tenant1", "sess1")
	require.False(t, ok, "entry past the freshness window reads as a miss")
	require.Empty(t, m.entries)
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, 10)

	m.Set(ctx, cachedSession("tenant1", "sess1"))
	m.Delete(ctx, "tenant1", "sess1")

	_, ok := m.Get(ctx, "tenant1", "sess1")
	require.False(t, ok)
}

func TestMemory_CapacityEvictsOldest(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

	m := NewMemory(time.Hour, 2)
	m.now = func() time.Time { return now }

	m.Set(ctx, cachedSession("tenant1", "a"))
	now = now.Add(time.Second)
	m.Set(ctx, cachedSession("tenant1", "b"))
	now = now.Add(time.Second)
	m.Set(ctx, cachedSession("tenant1", "c"))

	_, ok := m.Get(ctx, "tenant1", "a")
	require.False(t, ok, "oldest entry evicted")
	_, ok = m.Get(ctx, "tenant1", "b")
	require.True(t, ok)
	_, ok = m.Get(ctx, "tenant1", "c")
	require.True(t, ok)
}

func TestMemory_OverwriteDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour, 2)

	m.Set(ctx, cachedSession("tenant1", "a"))
	m.Set(ctx, cachedSession("tenant1", "b"))
	m.Set(ctx, cachedSession("tenant1", "a"))

	_, ok := m.Get(ctx, "tenant1", "a")
	require.True(t, ok)
	_, ok = m.Get(ctx, "tenant1", "b")
	require.True(t, ok)
}
