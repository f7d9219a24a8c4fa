package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"planbot/internal/notifier"
	"planbot/internal/planner"
	"planbot/internal/storage"
	"planbot/pkg/logx"
)

// ErrShutdown is returned by operations invoked after Shutdown.
var ErrShutdown = errors.New("scheduler is shut down")

// Config controls the scheduler service. Zero fields take defaults.
type Config struct {
	MaxRetries     int           // retry budget per session (default 3)
	RetryBaseDelay time.Duration // first-retry backoff (default 5s)
	AttemptTimeout time.Duration // per-attempt bound on external calls (default 2m)
	RecentLimit    int           // bounded list queries (default 50)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Minute
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 50
	}
	return c
}

// ScheduleRequest describes a recurring execution to install.
type ScheduleRequest struct {
	CronExpression string
	Timezone       string
	Enabled        bool
	AdminUserID    string
	TeamID         string
	ChatIDs        []int64
}

// ScheduleInfo is the read model of the active schedule.
type ScheduleInfo struct {
	ID             string
	CronExpression string
	Timezone       string
	Enabled        bool
	AdminUserID    string
	TeamID         string
	NextExecution  *time.Time
	LastExecution  *time.Time
}

// ValidationError rejects a schedule request before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExecutionStats aggregates session counts for operator visibility.
type ExecutionStats struct {
	Total                  int
	ByStatus               map[storage.SessionStatus]int
	RetrySessions          int
	SuccessRate            float64 // completed/total*100
	AverageExecutionMillis float64 // best-effort
}

// Service is the scheduling orchestrator. It owns at most one active cron
// registration, drives the session state machine end-to-end, and rebuilds
// retry timers from durable state on startup.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store  storage.Store
	plans  planner.Generator
	sender notifier.Sender

	parser cron.Parser

	// The cron registration is a swappable owned resource. cronGen is bumped
	// on every swap/teardown; a fire whose captured generation no longer
	// matches returns without running.
	c                *cron.Cron
	cronGen          atomic.Uint64
	activeScheduleID string
	closed           bool

	// Read-through cache of non-terminal sessions. The store is
	// authoritative; entries are refreshed on write and evicted on delete.
	cacheMu sync.RWMutex
	cache   map[string]*storage.Session

	// Armed retry timers by session id. Runtime-only; recovery reconstructs
	// them from the store.
	tmu    sync.Mutex
	timers map[string]*time.Timer

	// Per-session locks serialize mutation of a single session between a
	// manual trigger and a concurrently firing retry.
	lmu   sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store storage.Store, gen planner.Generator, sender notifier.Sender, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		store:  store,
		plans:  gen,
		sender: sender,
		// Strict 5-field specs only; descriptors like @daily are rejected.
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cache:  map[string]*storage.Session{},
		timers: map[string]*time.Timer{},
		locks:  map[string]*sync.Mutex{},
	}
}
