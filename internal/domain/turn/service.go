package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const defaultHistoryLimit = 50

// Recorder appends immutable conversation turns and answers history and
// statistics queries.
type Recorder struct {
	turns    Repository
	sessions SessionStore
	logger   *slog.Logger
	now      func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a new turn recorder.
func NewRecorder(turns Repository, sessions SessionStore, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		turns:    turns,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddTurn appends a turn to the session. The session's message count,
// intent list and running average response time are recomputed in the
// same transaction as the append.
func (r *Recorder) AddTurn(ctx context.Context, tenantID, sessionID string, in Input) (*Turn, error) {
	if sessionID == "" {
		return nil, ErrInvalidInput
	}

	sess, err := r.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	params := in.Parameters
	if params == nil {
		params = map[string]any{}
	}

	t := &Turn{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		SessionID:       sessionID,
		UserInput:       in.UserInput,
		BotResponse:     in.BotResponse,
		Intent:          in.Intent,
		Confidence:      in.Confidence,
		Parameters:      params,
		ResponseTimeMs:  in.ResponseTimeMs,
		FulfillmentUsed: in.FulfillmentUsed,
		CreatedAt:       r.now(),
	}

	if err := r.turns.Append(ctx, t); err != nil {
		return nil, fmt.Errorf("appending turn: %w", err)
	}

	// The append updated session counters outside the controller's
	// update path; drop the stale cache entry.
	r.sessions.Invalidate(ctx, tenantID, sessionID)

	return t, nil
}

// AppendSystem records a synthetic system turn, e.g. a transfer notice.
// System turns land in the history but never in the session's message
// count, intent list or running average response time.
func (r *Recorder) AppendSystem(ctx context.Context, tenantID, sessionID, intent, note string) error {
	if sessionID == "" {
		return ErrInvalidInput
	}

	t := &Turn{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		SessionID:   sessionID,
		BotResponse: note,
		Intent:      intent,
		Confidence:  1,
		Parameters:  map[string]any{},
		CreatedAt:   r.now(),
	}

	if err := r.turns.AppendSystem(ctx, t); err != nil {
		return fmt.Errorf("appending system turn: %w", err)
	}
	r.sessions.Invalidate(ctx, tenantID, sessionID)
	return nil
}

// GetHistory returns the most recent turns in chronological order.
// A limit <= 0 falls back to the default of 50. Store read failures
// degrade to an empty history.
func (r *Recorder) GetHistory(ctx context.Context, tenantID, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	turns, err := r.turns.ListRecent(ctx, tenantID, sessionID, limit)
	if err != nil {
		r.logger.Error("turn history read failed", "tenant", tenantID, "session", sessionID, "error", err)
		return nil, nil
	}

	// Fetched newest-first to honor the limit; present oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// GetStatistics derives conversation statistics from the session record
// and its full turn history. Duration of an in-progress session is
// measured up to now.
func (r *Recorder) GetStatistics(ctx context.Context, tenantID, sessionID string) (*Statistics, error) {
	sess, err := r.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	turns, err := r.turns.ListRecent(ctx, tenantID, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}

	end := r.now()
	if sess.EndedAt != nil {
		end = *sess.EndedAt
	}

	seen := make(map[string]struct{})
	var confidenceSum float64
	for _, t := range turns {
		if t.Intent != "" {
			seen[t.Intent] = struct{}{}
		}
		confidenceSum += t.Confidence
	}

	var avgConfidence float64
	if len(turns) > 0 {
		avgConfidence = confidenceSum / float64(len(turns))
	}

	return &Statistics{
		SessionID:         sessionID,
		MessageCount:      sess.MessageCount,
		Duration:          end.Sub(sess.StartedAt),
		UniqueIntents:     len(seen),
		AvgConfidence:     avgConfidence,
		AvgResponseTimeMs: sess.Analytics.AvgResponseTimeMs,
		Escalated:         sess.Analytics.Escalated,
	}, nil
}

// SearchTranscripts performs a full-text search over the tenant's turn
// transcripts. Read failures degrade to an empty result.
func (r *Recorder) SearchTranscripts(ctx context.Context, tenantID, query string, limit int) ([]Turn, error) {
	if query == "" {
		return nil, nil
	}
	turns, err := r.turns.Search(ctx, tenantID, query, limit)
	if err != nil {
		r.logger.Error("transcript search failed", "tenant", tenantID, "error", err)
		return nil, nil
	}
	return turns, nil
}
