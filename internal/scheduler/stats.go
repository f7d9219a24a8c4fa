package scheduler

import (
	"context"
	"fmt"

	"planbot/internal/storage"
	"planbot/pkg/logx"
)

// GetExecutionStats aggregates session counts from the store.
func (s *Service) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	counts, err := s.store.CountSessionsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	stats := &ExecutionStats{ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(counts[storage.StatusCompleted]) / float64(stats.Total) * 100
	}

	retries, err := s.store.CountRetrySessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("count retry sessions: %w", err)
	}
	stats.RetrySessions = retries

	// Best-effort metric; its failure never fails the stats call.
	if avg, err := s.store.AverageExecutionMillis(ctx); err == nil {
		stats.AverageExecutionMillis = avg
	} else {
		s.log.Debug("average execution time unavailable", logx.Err(err))
	}
	s.log.Debug("execution stats computed",
		logx.Int("total", stats.Total),
		logx.Float64("success_rate", stats.SuccessRate),
		logx.Int("retry_sessions", stats.RetrySessions))
	return stats, nil
}
