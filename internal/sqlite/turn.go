package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lunara-ai/converse/internal/domain/turn"
	"github.com/lunara-ai/converse/internal/repository"
)

// TurnRepository implements turn.Repository for SQLite
type TurnRepository struct {
	db *DB
}

var _ turn.Repository = (*TurnRepository)(nil)

// NewTurnRepository creates a new TurnRepository
func NewTurnRepository(db *DB) *TurnRepository {
	return &TurnRepository{db: db}
}

const turnColumns = `
	id, tenant_id, session_id, user_input, bot_response, intent,
	confidence, parameters, response_time_ms, fulfillment_used, created_at
`

// Append inserts a turn and recomputes the owning session's aggregates
// in the same transaction. The running average and counters are computed
// in SQL from the pre-update column values, so concurrent appends for one
// session cannot lose an update.
func (r *TurnRepository) Append(ctx context.Context, t *turn.Turn) error {
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if t.Parameters == nil {
		params = []byte("{}")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO turns (` + turnColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert,
		t.ID,
		t.TenantID,
		t.SessionID,
		t.UserInput,
		t.BotResponse,
		t.Intent,
		t.Confidence,
		string(params),
		t.ResponseTimeMs,
		boolToInt(t.FulfillmentUsed),
		t.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		if isForeignKeyViolation(err) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	// Running mean: ((oldAvg * oldCount) + new) / (oldCount + 1), rounded
	// to the nearest millisecond. All right-hand column references read
	// the pre-update row.
	update := `
		UPDATE sessions
		SET message_count = message_count + 1,
		    total_messages = total_messages + 1,
		    last_activity = ?,
		    avg_response_ms = CAST(ROUND((avg_response_ms * message_count + ?) * 1.0 / (message_count + 1)) AS INTEGER),
		    intents_triggered = CASE WHEN ? = ''
		        THEN intents_triggered
		        ELSE json_insert(intents_triggered, '$[#]', ?)
		    END
		WHERE id = ? AND tenant_id = ?
	`
	result, err := tx.ExecContext(ctx, update,
		t.CreatedAt,
		t.ResponseTimeMs,
		t.Intent,
		t.Intent,
		t.SessionID,
		t.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session aggregates: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// AppendSystem inserts a synthetic turn, e.g. a transfer notice. Only
// last-activity is touched: system turns carry no response-time sample
// or user message, so they stay out of the conversational aggregates.
func (r *TurnRepository) AppendSystem(ctx context.Context, t *turn.Turn) error {
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if t.Parameters == nil {
		params = []byte("{}")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO turns (` + turnColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert,
		t.ID,
		t.TenantID,
		t.SessionID,
		t.UserInput,
		t.BotResponse,
		t.Intent,
		t.Confidence,
		string(params),
		t.ResponseTimeMs,
		boolToInt(t.FulfillmentUsed),
		t.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		if isForeignKeyViolation(err) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE id = ? AND tenant_id = ?`,
		t.CreatedAt, t.SessionID, t.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListRecent returns the most recent turns for a session, newest first.
// A limit <= 0 returns the full history.
func (r *TurnRepository) ListRecent(ctx context.Context, tenantID, sessionID string, limit int) ([]turn.Turn, error) {
	query := `
		SELECT ` + turnColumns + `
		FROM turns
		WHERE tenant_id = ? AND session_id = ?
		ORDER BY created_at DESC, rowid DESC
	`
	args := []any{tenantID, sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	return collectTurns(rows)
}

// Search performs a full-text search over the tenant's transcripts
func (r *TurnRepository) Search(ctx context.Context, tenantID, query string, limit int) ([]turn.Turn, error) {
	sqlQuery := `
		SELECT ` + prefixTurnColumns("t.") + `
		FROM turns_fts
		JOIN turns t ON t.rowid = turns_fts.rowid
		WHERE t.tenant_id = ? AND turns_fts MATCH ?
		ORDER BY rank
	`
	args := []any{tenantID, query}
	if limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search turns: %w", err)
	}
	defer rows.Close()

	return collectTurns(rows)
}

type turnRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectTurns(rows turnRows) ([]turn.Turn, error) {
	var turns []turn.Turn
	for rows.Next() {
		var t turn.Turn
		var params string
		var fulfillment int
		if err := rows.Scan(
			&t.ID,
			&t.TenantID,
			&t.SessionID,
			&t.UserInput,
			&t.BotResponse,
			&t.Intent,
			&t.Confidence,
			&params,
			&t.ResponseTimeMs,
			&fulfillment,
			&t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.FulfillmentUsed = fulfillment != 0
		if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	return turns, nil
}

func prefixTurnColumns(prefix string) string {
	return prefix + `id, ` + prefix + `tenant_id, ` + prefix + `session_id, ` +
		prefix + `user_input, ` + prefix + `bot_response, ` + prefix + `intent, ` +
		prefix + `confidence, ` + prefix + `parameters, ` + prefix + `response_time_ms, ` +
		prefix + `fulfillment_used, ` + prefix + `created_at`
}
