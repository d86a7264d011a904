package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lunara-ai/converse/internal/domain/analytics"
)

// AggregateRepository implements analytics.Repository for SQLite
type AggregateRepository struct {
	db *DB
}

var _ analytics.Repository = (*AggregateRepository)(nil)

// NewAggregateRepository creates a new AggregateRepository
func NewAggregateRepository(db *DB) *AggregateRepository {
	return &AggregateRepository{db: db}
}

// RecordBatch folds a batch of turn events into the aggregate tables
// in one transaction.
func (r *AggregateRepository) RecordBatch(ctx context.Context, events []analytics.TurnEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		date := analytics.DateOf(ev.OccurredAt)
		hour := ev.OccurredAt.UTC().Hour()
		escalation := 0
		if ev.Escalated {
			escalation = 1
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_stats (tenant_id, date, message_count, confidence_sum, response_time_sum, escalations)
			VALUES (?, ?, 1, ?, ?, ?)
			ON CONFLICT(tenant_id, date) DO UPDATE SET
				message_count = message_count + 1,
				confidence_sum = confidence_sum + excluded.confidence_sum,
				response_time_sum = response_time_sum + excluded.response_time_sum,
				escalations = escalations + excluded.escalations
		`, ev.TenantID, date, ev.Confidence, ev.ResponseTimeMs, escalation); err != nil {
			return fmt.Errorf("failed to upsert daily stats: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_hours (tenant_id, date, hour, message_count)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(tenant_id, date, hour) DO UPDATE SET
				message_count = message_count + 1
		`, ev.TenantID, date, hour); err != nil {
			return fmt.Errorf("failed to upsert hourly stats: %w", err)
		}

		if ev.UserID != nil && *ev.UserID != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO daily_users (tenant_id, date, user_id)
				VALUES (?, ?, ?)
			`, ev.TenantID, date, *ev.UserID); err != nil {
				return fmt.Errorf("failed to record unique user: %w", err)
			}
		}

		if ev.Intent != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO intent_stats (tenant_id, date, intent, message_count, confidence_sum)
				VALUES (?, ?, ?, 1, ?)
				ON CONFLICT(tenant_id, date, intent) DO UPDATE SET
					message_count = message_count + 1,
					confidence_sum = confidence_sum + excluded.confidence_sum
			`, ev.TenantID, date, ev.Intent, ev.Confidence); err != nil {
				return fmt.Errorf("failed to upsert intent stats: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// DailyTotals returns the per-day running sums; a day with no traffic
// yields zero totals, not an error.
func (r *AggregateRepository) DailyTotals(ctx context.Context, tenantID, date string) (*analytics.DailyTotals, error) {
	var totals analytics.DailyTotals
	err := r.db.QueryRowContext(ctx, `
		SELECT message_count, confidence_sum, response_time_sum, escalations
		FROM daily_stats
		WHERE tenant_id = ? AND date = ?
	`, tenantID, date).Scan(
		&totals.MessageCount,
		&totals.ConfidenceSum,
		&totals.ResponseTimeSum,
		&totals.Escalations,
	)
	if err == sql.ErrNoRows {
		return &analytics.DailyTotals{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily totals: %w", err)
	}
	return &totals, nil
}

// HourlyCounts returns the 24-slot per-hour distribution for a day
func (r *AggregateRepository) HourlyCounts(ctx context.Context, tenantID, date string) ([24]int, error) {
	var hours [24]int
	rows, err := r.db.QueryContext(ctx, `
		SELECT hour, message_count
		FROM daily_hours
		WHERE tenant_id = ? AND date = ?
	`, tenantID, date)
	if err != nil {
		return hours, fmt.Errorf("failed to get hourly counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hour, count int
		if err := rows.Scan(&hour, &count); err != nil {
			return hours, fmt.Errorf("failed to scan hourly count: %w", err)
		}
		if hour >= 0 && hour < 24 {
			hours[hour] = count
		}
	}
	if err := rows.Err(); err != nil {
		return hours, fmt.Errorf("error iterating hourly counts: %w", err)
	}
	return hours, nil
}

// UniqueUsers returns the distinct user count for a day
func (r *AggregateRepository) UniqueUsers(ctx context.Context, tenantID, date string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM daily_users WHERE tenant_id = ? AND date = ?
	`, tenantID, date).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unique users: %w", err)
	}
	return count, nil
}

// TopIntents returns the day's intents ranked by message count
func (r *AggregateRepository) TopIntents(ctx context.Context, tenantID, date string, limit int) ([]analytics.IntentStat, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT intent, message_count, confidence_sum
		FROM intent_stats
		WHERE tenant_id = ? AND date = ?
		ORDER BY message_count DESC, intent ASC
		LIMIT ?
	`, tenantID, date, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top intents: %w", err)
	}
	defer rows.Close()

	var stats []analytics.IntentStat
	for rows.Next() {
		var stat analytics.IntentStat
		var confidenceSum float64
		if err := rows.Scan(&stat.Intent, &stat.MessageCount, &confidenceSum); err != nil {
			return nil, fmt.Errorf("failed to scan intent stat: %w", err)
		}
		if stat.MessageCount > 0 {
			stat.AvgConfidence = confidenceSum / float64(stat.MessageCount)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating intent stats: %w", err)
	}
	return stats, nil
}
