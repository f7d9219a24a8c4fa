package storage

import (
	"errors"
	"time"

	"planbot/internal/planner"
)

var (
	// ErrNotFound is returned when a row does not exist. Callers that treat
	// missing rows as nil should check with errors.Is.
	ErrNotFound = errors.New("not found")
)

// SessionStatus is the lifecycle state of an execution session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusConfirmed SessionStatus = "confirmed"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Session is one execution attempt-group: a plan generation + distribution
// run tracked through the pending→confirmed/failed lifecycle.
type Session struct {
	ID          string
	GeneratedAt time.Time
	Status      SessionStatus
	AdminUserID string
	TeamID      string

	// Plans and Summary are produced by the plan generator; the scheduler
	// persists them without interpreting their contents.
	Plans   []planner.Plan
	Summary *planner.Summary

	// MessageIDs is the append-only sequence of sender message ids.
	MessageIDs []string

	ErrorMessage string
	RetryCount   int
	LastRetryAt  *time.Time
	NextRetryAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduleConfig is one recurring-execution definition. Persisted rows are a
// history; IsActive marks the latest. The in-process cron registration built
// from the active row is a singleton owned by the orchestrator.
type ScheduleConfig struct {
	ID             string
	CronExpression string
	Timezone       string
	Enabled        bool
	AdminUserID    string
	TeamID         string
	ChatIDs        []int64
	IsActive       bool
	NextExecution  *time.Time
	LastExecution  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LogEntry is an append-only execution audit record. Entries are never
// mutated; the retention policy prunes them.
type LogEntry struct {
	ID        int64
	SessionID string // empty when not session-scoped
	Level     string
	Message   string
	Details   map[string]any
	At        time.Time
}

// LogFilter narrows QueryLogs. Zero fields are ignored.
type LogFilter struct {
	Level     string
	SessionID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Config configures storage. Path is the SQLite database file.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}
