// Package cache provides best-effort session read caches. The cache is an
// injected freshness layer, not a coherence mechanism: entries age out on
// a fixed window and writers evict or overwrite their own entries.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/lunara-ai/converse/internal/domain/session"
)

// DefaultFreshness is the window during which a cached session is served
// without consulting the store.
const DefaultFreshness = 5 * time.Minute

// Memory is a process-local session cache bounded by entry count.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	freshness time.Duration
	capacity  int
	now       func() time.Time
}

type memoryEntry struct {
	sess     *session.Session
	cachedAt time.Time
}

// NewMemory creates a memory cache. A capacity <= 0 means unbounded.
func NewMemory(freshness time.Duration, capacity int) *Memory {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Memory{
		entries:   make(map[string]memoryEntry),
		freshness: freshness,
		capacity:  capacity,
		now:       time.Now,
	}
}

// Get returns a cached session if it is still within the freshness window.
// Stale entries are dropped on read. The caller receives a private copy;
// the cached record is never aliased across goroutines.
func (m *Memory) Get(_ context.Context, tenantID, id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cacheKey(tenantID, id)
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.now().Sub(entry.cachedAt) > m.freshness {
		delete(m.entries, key)
		return nil, false
	}
	return entry.sess.Clone(), true
}

// Set stores a copy of the session, evicting the oldest entry when over
// capacity. Callers remain free to mutate their own record afterwards.
func (m *Memory) Set(_ context.Context, sess *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cacheKey(sess.TenantID, sess.ID)
	if m.capacity > 0 && len(m.entries) >= m.capacity {
		if _, exists := m.entries[key]; !exists {
			m.evictOldestLocked()
		}
	}
	m.entries[key] = memoryEntry{sess: sess.Clone(), cachedAt: m.now()}
}

// Delete evicts a session.
func (m *Memory) Delete(_ context.Context, tenantID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, cacheKey(tenantID, id))
}

func (m *Memory) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range m.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.cachedAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func cacheKey(tenantID, id string) string {
	return tenantID + ":" + id
}
