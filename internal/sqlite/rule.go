package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lunara-ai/converse/internal/domain/rule"
	"github.com/lunara-ai/converse/internal/repository"
)

// RuleRepository implements rule.Repository for SQLite
type RuleRepository struct {
	db *DB
}

var _ rule.Repository = (*RuleRepository)(nil)

// NewRuleRepository creates a new RuleRepository
func NewRuleRepository(db *DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Create persists a new context rule
func (r *RuleRepository) Create(ctx context.Context, rl *rule.Rule) error {
	action, err := json.Marshal(rl.Action)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	createdAt := rl.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO context_rules (
			id, tenant_id, name, description, condition, action,
			priority, enabled, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		rl.ID,
		rl.TenantID,
		rl.Name,
		rl.Description,
		rl.Condition,
		string(action),
		rl.Priority,
		boolToInt(rl.Enabled),
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}

	rl.CreatedAt = createdAt
	return nil
}

// ListEnabled returns enabled rules sorted by descending priority
func (r *RuleRepository) ListEnabled(ctx context.Context, tenantID string) ([]rule.Rule, error) {
	query := `
		SELECT id, tenant_id, name, description, condition, action,
		       priority, enabled, created_at
		FROM context_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY priority DESC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []rule.Rule
	for rows.Next() {
		var rl rule.Rule
		var action string
		var enabled int
		if err := rows.Scan(
			&rl.ID,
			&rl.TenantID,
			&rl.Name,
			&rl.Description,
			&rl.Condition,
			&action,
			&rl.Priority,
			&enabled,
			&rl.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rl.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(action), &rl.Action); err != nil {
			return nil, fmt.Errorf("failed to decode action: %w", err)
		}
		rules = append(rules, rl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

// Delete removes a rule
func (r *RuleRepository) Delete(ctx context.Context, tenantID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM context_rules WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
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
