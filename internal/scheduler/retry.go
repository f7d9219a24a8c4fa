package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planbot/internal/storage"
	"planbot/pkg/logx"
)

// RetryFailedSession transitions a failed session back to pending and arms a
// backoff timer for it. It returns (nil, nil) when the session does not
// exist, is not currently failed, or has exhausted its retry budget.
func (s *Service) RetryFailedSession(ctx context.Context, id string) (*storage.Session, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	// The load→check→save→arm sequence runs under the per-session lock so a
	// concurrent confirm cannot be overwritten back to pending.
	unlock := s.lockSession(id)
	defer unlock()

	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.Status != storage.StatusFailed || sess.RetryCount >= s.maxRetries() {
		return nil, nil
	}

	s.disarmRetry(id)

	delay := s.backoffDelay(sess.RetryCount)
	now := time.Now()
	next := now.Add(delay)
	sess.RetryCount++
	sess.LastRetryAt = &now
	sess.NextRetryAt = &next
	sess.ErrorMessage = ""
	sess.Status = storage.StatusPending
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist retry state: %w", err)
	}
	s.cacheSet(sess)
	s.armRetry(id, delay)
	s.appendSessionLog(ctx, id, "warn", "retry scheduled",
		map[string]any{"retry_count": sess.RetryCount, "delay_ms": delay.Milliseconds()})
	s.log.Info("retry scheduled",
		logx.String("session", id),
		logx.Int("attempt", sess.RetryCount),
		logx.Duration("delay", delay))
	return sess, nil
}

// backoffDelay returns base * 2^retryCount: the delay before the retry that
// follows retryCount already-scheduled retries.
func (s *Service) backoffDelay(retryCount int) time.Duration {
	d := s.baseDelay()
	for i := 0; i < retryCount; i++ {
		d *= 2
	}
	return d
}

func (s *Service) armRetry(id string, delay time.Duration) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.dispatchRetry(id) })
}

// disarmRetry prevents a future fire; it cannot abort work already in flight.
func (s *Service) disarmRetry(id string) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// dispatchRetry owns all retry-timer bookkeeping: a fired timer re-checks
// durable state, re-runs the session, and on another failure feeds the same
// bounded transition again instead of recursing across goroutines.
func (s *Service) dispatchRetry(id string) {
	s.tmu.Lock()
	delete(s.timers, id)
	s.tmu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	ctx := context.Background()
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		// Cleaned up while the timer was armed; nothing left to run.
		s.cacheDelete(id)
		return
	}
	if err != nil {
		s.log.Error("retry load failed", logx.String("session", id), logx.Err(err))
		return
	}
	if sess.Status != storage.StatusPending {
		s.log.Debug("retry skipped; session no longer pending",
			logx.String("session", id), logx.String("status", string(sess.Status)))
		return
	}

	if err := s.executeSession(ctx, sess); err != nil {
		if sess.RetryCount >= s.maxRetries() {
			s.appendSessionLog(ctx, id, "error", "retry budget exhausted",
				map[string]any{"retry_count": sess.RetryCount})
			s.log.Error("retry budget exhausted; session failed terminally",
				logx.String("session", id), logx.Int("retry_count", sess.RetryCount))
			return
		}
		if _, rerr := s.RetryFailedSession(ctx, id); rerr != nil {
			s.log.Error("schedule next retry", logx.String("session", id), logx.Err(rerr))
		}
	}
}

// RecoverPendingRetries rebuilds retry timers from durable state after a
// restart. Pending sessions re-arm for the remainder of their NextRetryAt
// (or right away when past due or mid-flight at crash time); failed sessions
// under the retry budget go through the normal retry transition so backoff
// bookkeeping stays in one place.
func (s *Service) RecoverPendingRetries(ctx context.Context) (int, error) {
	sessions, err := s.store.ListRecoverableSessions(ctx, s.maxRetries())
	if err != nil {
		return 0, fmt.Errorf("load recoverable sessions: %w", err)
	}

	now := time.Now()
	recovered := 0
	for _, sess := range sessions {
		switch sess.Status {
		case storage.StatusPending:
			delay := time.Second
			if sess.NextRetryAt != nil && sess.NextRetryAt.After(now) {
				delay = sess.NextRetryAt.Sub(now)
			}
			s.cacheSet(sess)
			s.armRetry(sess.ID, delay)
			recovered++
		case storage.StatusFailed:
			if _, err := s.RetryFailedSession(ctx, sess.ID); err != nil {
				s.log.Error("recover failed session", logx.String("session", sess.ID), logx.Err(err))
				continue
			}
			recovered++
		}
	}
	if recovered > 0 {
		s.log.Info("retry timers recovered", logx.Int("sessions", recovered))
	}
	return recovered, nil
}

// PendingRetryCount reports the number of armed retry timers.
func (s *Service) PendingRetryCount() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}
