package analytics

import (
	"context"
	"fmt"
	"log/slog"
)

const defaultTopIntents = 10

// Service maintains per-date and per-intent running aggregates from
// committed turns. The aggregates are derived and eventually consistent;
// they are never used to reconstruct a session or turn.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService creates an analytics service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// RecordTurns folds a batch of committed turns into the aggregates.
// The error is returned so an at-least-once deliverer can redeliver;
// redelivery may double-count, which is accepted for this path.
func (s *Service) RecordTurns(ctx context.Context, events []TurnEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := s.repo.RecordBatch(ctx, events); err != nil {
		return fmt.Errorf("recording turn batch: %w", err)
	}
	return nil
}

// DailySummary composes the displayed per-day view. Averages are
// zero-safe; a day with no traffic yields an all-zero summary.
func (s *Service) DailySummary(ctx context.Context, tenantID, date string) (*DailySummary, error) {
	totals, err := s.repo.DailyTotals(ctx, tenantID, date)
	if err != nil {
		return nil, fmt.Errorf("loading daily totals: %w", err)
	}

	summary := &DailySummary{Date: date, MessageCount: totals.MessageCount, Escalations: totals.Escalations}
	if totals.MessageCount > 0 {
		summary.AvgConfidence = totals.ConfidenceSum / float64(totals.MessageCount)
		summary.AvgResponseTimeMs = int(totals.ResponseTimeSum / int64(totals.MessageCount))
	}

	summary.Hourly, err = s.repo.HourlyCounts(ctx, tenantID, date)
	if err != nil {
		return nil, fmt.Errorf("loading hourly counts: %w", err)
	}
	summary.UniqueUsers, err = s.repo.UniqueUsers(ctx, tenantID, date)
	if err != nil {
		return nil, fmt.Errorf("loading unique users: %w", err)
	}
	summary.TopIntents, err = s.repo.TopIntents(ctx, tenantID, date, defaultTopIntents)
	if err != nil {
		return nil, fmt.Errorf("loading top intents: %w", err)
	}

	return summary, nil
}
