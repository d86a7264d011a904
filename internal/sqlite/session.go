package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lunara-ai/converse/internal/domain/session"
	"github.com/lunara-ai/converse/internal/repository"
)

// SessionRepository implements session.Repository for SQLite
type SessionRepository struct {
	db *DB
}

var _ session.Repository = (*SessionRepository)(nil)

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `
	id, tenant_id, user_id, status, started_at, ended_at, last_activity,
	message_count, metadata, total_messages, intents_triggered,
	avg_response_ms, satisfaction, escalated, variables, active_contexts,
	end_reason, transferred_to
`

// Create persists a new session
func (r *SessionRepository) Create(ctx context.Context, sess *session.Session) error {
	metadata, intents, variables, contexts, err := marshalSessionJSON(sess)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		sess.ID,
		sess.TenantID,
		sess.UserID,
		sess.Status,
		sess.StartedAt,
		sess.EndedAt,
		sess.LastActivity,
		sess.MessageCount,
		metadata,
		sess.Analytics.TotalMessages,
		intents,
		sess.Analytics.AvgResponseTimeMs,
		sess.Analytics.Satisfaction,
		boolToInt(sess.Analytics.Escalated),
		variables,
		contexts,
		sess.EndReason,
		sess.TransferredTo,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Get retrieves a session by ID
func (r *SessionRepository) Get(ctx context.Context, tenantID, id string) (*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ? AND tenant_id = ?`

	row := r.db.QueryRowContext(ctx, query, id, tenantID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// Update rewrites a session's mutable fields
func (r *SessionRepository) Update(ctx context.Context, sess *session.Session) error {
	metadata, intents, variables, contexts, err := marshalSessionJSON(sess)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions
		SET user_id = ?, status = ?, ended_at = ?, last_activity = ?,
		    message_count = ?, metadata = ?, total_messages = ?,
		    intents_triggered = ?, avg_response_ms = ?, satisfaction = ?,
		    escalated = ?, variables = ?, active_contexts = ?,
		    end_reason = ?, transferred_to = ?
		WHERE id = ? AND tenant_id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		sess.UserID,
		sess.Status,
		sess.EndedAt,
		sess.LastActivity,
		sess.MessageCount,
		metadata,
		sess.Analytics.TotalMessages,
		intents,
		sess.Analytics.AvgResponseTimeMs,
		sess.Analytics.Satisfaction,
		boolToInt(sess.Analytics.Escalated),
		variables,
		contexts,
		sess.EndReason,
		sess.TransferredTo,
		sess.ID,
		sess.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// MarkExpired transitions a session to expired only while it is active
func (r *SessionRepository) MarkExpired(ctx context.Context, tenantID, id string, at time.Time) (bool, error) {
	query := `
		UPDATE sessions
		SET status = ?, ended_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query, session.StatusExpired, at, id, tenantID, session.StatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to expire session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ExpireStale transitions every active session idle since before cutoff
func (r *SessionRepository) ExpireStale(ctx context.Context, cutoff time.Time) ([]session.Ref, error) {
	query := `
		UPDATE sessions
		SET status = ?, ended_at = last_activity
		WHERE status = ? AND last_activity < ?
		RETURNING id, tenant_id
	`

	rows, err := r.db.QueryContext(ctx, query, session.StatusExpired, session.StatusActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale sessions: %w", err)
	}
	defer rows.Close()

	var refs []session.Ref
	for rows.Next() {
		var ref session.Ref
		if err := rows.Scan(&ref.SessionID, &ref.TenantID); err != nil {
			return nil, fmt.Errorf("failed to scan session ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session refs: %w", err)
	}

	return refs, nil
}

// DeleteOlderThan removes sessions started before cutoff and their turns
func (r *SessionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id IN (SELECT id FROM sessions WHERE started_at < ?)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("failed to delete old turns: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var userID, endReason, transferredTo sql.NullString
	var endedAt sql.NullTime
	var satisfaction sql.NullFloat64
	var escalated int
	var metadata, intents, variables, contexts string

	err := row.Scan(
		&sess.ID,
		&sess.TenantID,
		&userID,
		&sess.Status,
		&sess.StartedAt,
		&endedAt,
		&sess.LastActivity,
		&sess.MessageCount,
		&metadata,
		&sess.Analytics.TotalMessages,
		&intents,
		&sess.Analytics.AvgResponseTimeMs,
		&satisfaction,
		&escalated,
		&variables,
		&contexts,
		&endReason,
		&transferredTo,
	)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		sess.UserID = &userID.String
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if satisfaction.Valid {
		sess.Analytics.Satisfaction = &satisfaction.Float64
	}
	if endReason.Valid {
		sess.EndReason = &endReason.String
	}
	if transferredTo.Valid {
		sess.TransferredTo = &transferredTo.String
	}
	sess.Analytics.Escalated = escalated != 0

	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(intents), &sess.Analytics.IntentsTriggered); err != nil {
		return nil, fmt.Errorf("failed to decode intents: %w", err)
	}
	if err := json.Unmarshal([]byte(variables), &sess.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode variables: %w", err)
	}
	if err := json.Unmarshal([]byte(contexts), &sess.ActiveContexts); err != nil {
		return nil, fmt.Errorf("failed to decode active contexts: %w", err)
	}

	return &sess, nil
}

func marshalSessionJSON(sess *session.Session) (metadata, intents, variables, contexts string, err error) {
	m, err := json.Marshal(orEmptyMap(sess.Metadata))
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	i, err := json.Marshal(orEmptySlice(sess.Analytics.IntentsTriggered))
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode intents: %w", err)
	}
	v, err := json.Marshal(sess.Variables)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode variables: %w", err)
	}
	if sess.Variables == nil {
		v = []byte("{}")
	}
	c, err := json.Marshal(orEmptySlice(sess.ActiveContexts))
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode active contexts: %w", err)
	}
	return string(m), string(i), string(v), string(c), nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
