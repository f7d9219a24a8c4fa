package storage

import (
	"context"
	"time"
)

// Store is the durable persistence API for sessions, schedule configs and
// execution logs. It is the single source of truth; in-memory caches held by
// callers are read-through only.
type Store interface {
	// SaveSession upserts by id. Re-saving the same session never produces
	// duplicates, so retry paths can persist freely.
	SaveSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, errorMessage string) error

	// ListSessionsByStatus returns matching sessions most-recent-first.
	ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error)
	ListSessionsByAdmin(ctx context.Context, adminUserID string, limit int) ([]*Session, error)
	ListRecentSessions(ctx context.Context, limit int) ([]*Session, error)

	// ListRecoverableSessions returns sessions with outstanding work after a
	// restart: pending sessions, plus failed sessions whose retry budget is
	// not exhausted.
	ListRecoverableSessions(ctx context.Context, maxRetries int) ([]*Session, error)

	// DeleteSessionsBefore removes sessions older than cutoff that are in one
	// of the given statuses, and returns the deleted ids. Deletion is always
	// scoped by status and age, never by id alone.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time, statuses ...SessionStatus) ([]string, error)

	// SaveScheduleConfig persists cfg as the active schedule, deactivating
	// prior rows in the same transaction.
	SaveScheduleConfig(ctx context.Context, cfg *ScheduleConfig) error
	ActiveScheduleConfig(ctx context.Context) (*ScheduleConfig, error)
	MarkScheduleRun(ctx context.Context, id string, last, next time.Time) error

	AppendLog(ctx context.Context, e LogEntry) error
	QueryLogs(ctx context.Context, f LogFilter) ([]LogEntry, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CountSessionsByStatus(ctx context.Context) (map[SessionStatus]int, error)
	CountRetrySessions(ctx context.Context) (int, error)
	// AverageExecutionMillis is a best-effort metric over terminal sessions.
	AverageExecutionMillis(ctx context.Context) (float64, error)

	Close() error
}
