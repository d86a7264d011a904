package turn

import (
	"context"

	"github.com/lunara-ai/converse/internal/domain/session"
)

// Repository provides persistence for turns. Append must be atomic with
// the owning session's aggregate recompute: either the turn row and the
// updated counters both land, or neither does.
type Repository interface {
	Append(ctx context.Context, t *Turn) error
	// AppendSystem inserts a synthetic turn and touches last-activity
	// without feeding the session's conversational aggregates.
	AppendSystem(ctx context.Context, t *Turn) error
	// ListRecent returns the most recent turns, newest first.
	// A limit <= 0 returns all turns for the session.
	ListRecent(ctx context.Context, tenantID, sessionID string, limit int) ([]Turn, error)
	// Search performs a full-text search over transcripts.
	Search(ctx context.Context, tenantID, query string, limit int) ([]Turn, error)
}

// SessionStore is the slice of the lifecycle controller the recorder needs:
// an existence check with lazy expiry, and cache invalidation after the
// transactional append bypasses the controller's update path.
type SessionStore interface {
	Get(ctx context.Context, tenantID, id string) (*session.Session, error)
	Invalidate(ctx context.Context, tenantID, id string)
}
