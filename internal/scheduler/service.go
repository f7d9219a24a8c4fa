package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"planbot/internal/storage"
	"planbot/pkg/logx"
)

// Apply updates the tunable knobs at runtime (config hot-reload).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	applied := s.cfg
	s.mu.Unlock()
	s.log.Debug("scheduler config applied",
		logx.Int("max_retries", applied.MaxRetries),
		logx.Duration("retry_base_delay", applied.RetryBaseDelay),
		logx.Duration("attempt_timeout", applied.AttemptTimeout))
}

// Shutdown cancels the cron registration, disarms all retry timers and
// releases the store. In-flight work is not interrupted; cancellation only
// prevents future firings.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cronGen.Add(1)
	c := s.c
	s.c = nil
	s.activeScheduleID = ""
	s.mu.Unlock()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			// in-flight cron jobs drain in the background
		}
	}

	s.tmu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.tmu.Unlock()

	s.log.Info("scheduler shut down")
	return s.store.Close()
}

// GetSession returns the session or nil when it does not exist. The store is
// authoritative; the cache entry is refreshed on every hit.
func (s *Service) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.cacheDelete(id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.cacheSet(sess)
	return sess, nil
}

// GetActiveSessions returns all non-terminal sessions, most recent first.
func (s *Service) GetActiveSessions(ctx context.Context) ([]*storage.Session, error) {
	sessions, err := s.store.ListSessionsByStatus(ctx, storage.StatusPending, storage.StatusConfirmed)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		s.cacheSet(sess)
	}
	return sessions, nil
}

// ListSessionsByAdmin returns the admin's recent sessions, bounded by the
// configured limit.
func (s *Service) ListSessionsByAdmin(ctx context.Context, adminUserID string) ([]*storage.Session, error) {
	return s.store.ListSessionsByAdmin(ctx, adminUserID, s.recentLimit())
}

// UpdateSessionStatus persists a caller-driven status transition. It holds
// the per-session lock so it serializes against execute and retry mutations
// of the same session.
func (s *Service) UpdateSessionStatus(ctx context.Context, id string, status storage.SessionStatus, errorMessage string) error {
	unlock := s.lockSession(id)
	defer unlock()

	if err := s.store.UpdateSessionStatus(ctx, id, status, errorMessage); err != nil {
		return err
	}
	if sess, err := s.store.GetSession(ctx, id); err == nil {
		s.cacheSet(sess)
	}
	s.appendSessionLog(ctx, id, "info", "status updated", map[string]any{"status": string(status)})
	return nil
}

// GetScheduleInfo returns the active schedule, or nil when none exists.
func (s *Service) GetScheduleInfo(ctx context.Context) (*ScheduleInfo, error) {
	cfg, err := s.store.ActiveScheduleConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ScheduleInfo{
		ID:             cfg.ID,
		CronExpression: cfg.CronExpression,
		Timezone:       cfg.Timezone,
		Enabled:        cfg.Enabled,
		AdminUserID:    cfg.AdminUserID,
		TeamID:         cfg.TeamID,
		NextExecution:  cfg.NextExecution,
		LastExecution:  cfg.LastExecution,
	}, nil
}

// QueryLogs exposes the execution log for operator tooling.
func (s *Service) QueryLogs(ctx context.Context, f storage.LogFilter) ([]storage.LogEntry, error) {
	return s.store.QueryLogs(ctx, f)
}

// ---- cache ----

func (s *Service) cacheSet(sess *storage.Session) {
	if sess == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if sess.Status.Terminal() {
		delete(s.cache, sess.ID)
		return
	}
	cp := *sess
	s.cache[sess.ID] = &cp
}

func (s *Service) cacheGet(id string) *storage.Session {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	sess, ok := s.cache[id]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

func (s *Service) cacheDelete(id string) {
	s.cacheMu.Lock()
	delete(s.cache, id)
	s.cacheMu.Unlock()
}

// CachedSessionCount reports the size of the non-terminal session cache.
func (s *Service) CachedSessionCount() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return len(s.cache)
}

// ---- per-session serialization ----

func (s *Service) lockSession(id string) func() {
	s.lmu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.lmu.Unlock()
	m.Lock()
	return m.Unlock
}

// ---- config accessors ----

func (s *Service) maxRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxRetries
}

func (s *Service) baseDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RetryBaseDelay
}

func (s *Service) attemptTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.AttemptTimeout
}

func (s *Service) recentLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RecentLimit
}

// ---- execution log ----

func (s *Service) appendSessionLog(ctx context.Context, sessionID, level, msg string, details map[string]any) {
	err := s.store.AppendLog(ctx, storage.LogEntry{
		SessionID: sessionID,
		Level:     level,
		Message:   msg,
		Details:   details,
	})
	if err != nil {
		s.log.Warn("append execution log failed",
			logx.String("session", sessionID),
			logx.Any("details", details),
			logx.Err(err))
	}
}

// ---- ids ----

func newSessionID(t time.Time) string {
	return fmt.Sprintf("exec-%d-%s", t.UnixMilli(), uuid.NewString()[:8])
}

func newScheduleID() string {
	return fmt.Sprintf("sched-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
