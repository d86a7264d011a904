package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lunara-ai/converse/internal/repository"
)

const (
	defaultTTL       = 30 * time.Minute
	defaultRetention = 90 * 24 * time.Hour
)

// Service is the session lifecycle controller. All session mutations go
// through it so that last-activity and the read cache stay consistent.
type Service struct {
	sessions  Repository
	cache     Cache
	turns     TurnAppender
	logger    *slog.Logger
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the inactivity window after which an active session expires.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithRetention sets how long ended sessions are kept before purging.
func WithRetention(d time.Duration) Option {
	return func(s *Service) { s.retention = d }
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTurnAppender wires the recorder used for synthetic system turns.
func WithTurnAppender(turns TurnAppender) Option {
	return func(s *Service) { s.turns = turns }
}

// NewService creates a new session lifecycle service.
func NewService(sessions Repository, cache Cache, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		sessions:  sessions,
		cache:     cache,
		logger:    logger,
		ttl:       defaultTTL,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured inactivity window.
func (s *Service) TTL() time.Duration { return s.ttl }

// SetTurnAppender wires the recorder after construction. The recorder
// depends on this service, so the cycle is closed here at startup.
func (s *Service) SetTurnAppender(turns TurnAppender) { s.turns = turns }

// CreateOptions describes optional fields on session creation.
type CreateOptions struct {
	ID       string
	UserID   *string
	Metadata map[string]any
}

// Create persists a new active session and populates the read cache.
// Persistence failures are propagated, never swallowed.
func (s *Service) Create(ctx context.Context, tenantID string, opts CreateOptions) (*Session, error) {
	if tenantID == "" {
		return nil, ErrInvalidInput
	}

	now := s.now()
	id := opts.ID
	if id == "" {
		id = newSessionID(now)
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	sess := &Session{
		ID:             id,
		TenantID:       tenantID,
		UserID:         opts.UserID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivity:   now,
		Metadata:       metadata,
		Analytics:      Analytics{IntentsTriggered: []string{}},
		Variables:      map[string]Variable{},
		ActiveContexts: []string{},
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.cache.Set(ctx, sess)

	s.logger.Info("session created", "tenant", tenantID, "session", id)
	return sess, nil
}

// Get returns a session, preferring the read cache. A stale active session
// is lazily transitioned to expired as a side effect of the read. Returns
// nil (no error) when the session doesn't exist, and degrades to nil on
// store read failure.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*Session, error) {
	sess, ok := s.cache.Get(ctx, tenantID, id)
	if !ok {
		var err error
		sess, err = s.sessions.Get(ctx, tenantID, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil
			}
			s.logger.Error("session read failed", "tenant", tenantID, "session", id, "error", err)
			return nil, nil
		}
		s.cache.Set(ctx, sess)
	}

	if sess.Status == StatusActive && s.IsExpired(sess) {
		// Same convention as the batch sweep: ended_at records the last
		// activity, the moment the conversation actually stopped.
		endedAt := sess.LastActivity
		expired, err := s.sessions.MarkExpired(ctx, tenantID, id, endedAt)
		if err != nil {
			s.logger.Error("lazy expiry failed", "tenant", tenantID, "session", id, "error", err)
		} else if expired {
			sess.Status = StatusExpired
			sess.EndedAt = &endedAt
			s.cache.Set(ctx, sess)
			s.logger.Info("session expired", "tenant", tenantID, "session", id)
		}
	}

	return sess, nil
}

// UpdateFields carries a partial session update. Nil fields are left
// untouched; Metadata is merged key-wise, Variables and ActiveContexts
// replace the stored values wholesale.
type UpdateFields struct {
	UserID         *string
	Metadata       map[string]any
	Variables      map[string]Variable
	ActiveContexts []string
	Satisfaction   *float64
}

// Update merges fields into the session and refreshes last-activity.
func (s *Service) Update(ctx context.Context, tenantID, id string, fields UpdateFields) (*Session, error) {
	sess, err := s.sessions.Get(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if fields.UserID != nil {
		sess.UserID = fields.UserID
	}
	if fields.Metadata != nil {
		if sess.Metadata == nil {
			sess.Metadata = map[string]any{}
		}
		for k, v := range fields.Metadata {
			sess.Metadata[k] = v
		}
	}
	if fields.Variables != nil {
		sess.Variables = fields.Variables
	}
	if fields.ActiveContexts != nil {
		sess.ActiveContexts = fields.ActiveContexts
	}
	if fields.Satisfaction != nil {
		sess.Analytics.Satisfaction = fields.Satisfaction
	}
	sess.LastActivity = s.now()

	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	s.cache.Set(ctx, sess)

	return sess, nil
}

// End transitions a session to ended. Ending an already-terminal session
// is a no-op that returns the persisted record unchanged.
func (s *Service) End(ctx context.Context, tenantID, id, reason string) (*Session, error) {
	sess, err := s.sessions.Get(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.Status.Terminal() {
		return sess, nil
	}

	now := s.now()
	sess.Status = StatusEnded
	sess.EndedAt = &now
	if reason != "" {
		sess.EndReason = &reason
	}

	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("ending session: %w", err)
	}
	s.cache.Delete(ctx, tenantID, id)

	s.logger.Info("session ended",
		"tenant", tenantID,
		"session", id,
		"reason", reason,
		"duration", now.Sub(sess.StartedAt),
		"messages", sess.MessageCount,
	)
	return sess, nil
}

// TransferToHuman transitions a session to transferred, marks it escalated
// and records a synthetic system turn documenting the handoff. The actual
// routing to an agent is an external concern.
func (s *Service) TransferToHuman(ctx context.Context, tenantID, id, reason string, targetAgent *string) (*Session, error) {
	sess, err := s.sessions.Get(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.Status.Terminal() {
		return sess, nil
	}

	now := s.now()
	sess.Status = StatusTransferred
	sess.EndedAt = &now
	sess.Analytics.Escalated = true
	if reason != "" {
		sess.EndReason = &reason
	}
	sess.TransferredTo = targetAgent

	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("transferring session: %w", err)
	}
	s.cache.Delete(ctx, tenantID, id)

	if s.turns != nil {
		note := "conversation transferred to human agent"
		if reason != "" {
			note = fmt.Sprintf("%s: %s", note, reason)
		}
		if target := targetAgent; target != nil && *target != "" {
			note = fmt.Sprintf("%s (agent %s)", note, *target)
		}
		if err := s.turns.AppendSystem(ctx, tenantID, id, "system.transfer", note); err != nil {
			s.logger.Error("recording transfer turn failed", "tenant", tenantID, "session", id, "error", err)
		}
	}

	s.logger.Info("session transferred", "tenant", tenantID, "session", id, "reason", reason)
	return sess, nil
}

// CleanupExpired sweeps active sessions whose last activity precedes the
// TTL cutoff, transitioning each to expired. Returns the count processed.
// Intended to run on an external periodic trigger.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	refs, err := s.sessions.ExpireStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expiring stale sessions: %w", err)
	}
	for _, ref := range refs {
		s.cache.Delete(ctx, ref.TenantID, ref.SessionID)
	}
	if len(refs) > 0 {
		s.logger.Info("expired stale sessions", "count", len(refs))
	}
	return len(refs), nil
}

// PurgeOld deletes sessions past the retention window, along with their
// turns. Returns the number of sessions removed.
func (s *Service) PurgeOld(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	count, err := s.sessions.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging old sessions: %w", err)
	}
	if count > 0 {
		s.logger.Info("purged old sessions", "count", count)
	}
	return count, nil
}

// IsExpired reports whether the session has been inactive past the TTL.
func (s *Service) IsExpired(sess *Session) bool {
	return s.now().Sub(sess.LastActivity) > s.ttl
}

// Invalidate evicts a session from the read cache. Called after writes
// that bypass Update, e.g. the turn recorder's transactional append.
func (s *Service) Invalidate(ctx context.Context, tenantID, id string) {
	s.cache.Delete(ctx, tenantID, id)
}

// newSessionID builds a time-prefixed identifier with a random suffix so
// concurrent creations cannot collide.
func newSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}
