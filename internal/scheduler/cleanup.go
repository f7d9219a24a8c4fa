package scheduler

import (
	"context"
	"fmt"
	"time"

	"planbot/internal/storage"
	"planbot/pkg/logx"
)

// CleanupOldData deletes terminal (completed, failed) sessions older than
// maxAge together with their execution logs, and evicts exactly those ids
// from the in-memory cache. Pending and confirmed sessions are never deleted
// regardless of age.
func (s *Service) CleanupOldData(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	ids, err := s.store.DeleteSessionsBefore(ctx, cutoff, storage.StatusCompleted, storage.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}
	for _, id := range ids {
		// A terminal session has no armed timer; disarm anyway so a retry
		// transition racing this delete cannot fire against a deleted row.
		s.disarmRetry(id)
		s.cacheDelete(id)
	}

	if n, err := s.store.DeleteLogsBefore(ctx, cutoff); err != nil {
		s.log.Warn("log retention prune failed", logx.Err(err))
	} else if n > 0 {
		s.log.Debug("old execution logs pruned", logx.Int64("rows", n))
	}

	if len(ids) > 0 {
		s.log.Info("old sessions cleaned up", logx.Int("sessions", len(ids)), logx.Time("cutoff", cutoff))
	}
	return len(ids), nil
}
