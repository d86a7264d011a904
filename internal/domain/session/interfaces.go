package session

import (
	"context"
	"time"
)

// Repository provides persistence for sessions.
type Repository interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, tenantID, id string) (*Session, error)
	Update(ctx context.Context, sess *Session) error
	// MarkExpired transitions a session to expired only if it is still
	// active, and reports whether a transition happened.
	MarkExpired(ctx context.Context, tenantID, id string, at time.Time) (bool, error)
	// ExpireStale transitions every active session whose last activity
	// precedes cutoff and returns the affected sessions.
	ExpireStale(ctx context.Context, cutoff time.Time) ([]Ref, error)
	// DeleteOlderThan removes sessions (and their turns) started before
	// cutoff, returning the number of sessions removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cache is a best-effort read cache for sessions. Drivers own freshness:
// a Get miss may mean the entry was never cached or has aged out.
type Cache interface {
	Get(ctx context.Context, tenantID, id string) (*Session, bool)
	Set(ctx context.Context, sess *Session)
	Delete(ctx context.Context, tenantID, id string)
}

// TurnAppender records synthetic system turns, e.g. when a session is
// handed to a human agent.
type TurnAppender interface {
	AppendSystem(ctx context.Context, tenantID, sessionID, intent, note string) error
}
