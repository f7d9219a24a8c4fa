package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planbot/internal/storage"
	"planbot/pkg/logx"
)

// TriggerManualExecution creates and runs a session on behalf of an admin.
// On failure the session is persisted as failed and the error is returned to
// the caller, who may follow up with RetryFailedSession.
func (s *Service) TriggerManualExecution(ctx context.Context, adminUserID, teamID string) (*storage.Session, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}
	return s.runSession(ctx, adminUserID, teamID)
}

// runSession is the shared inner path for manual and cron triggers: create a
// pending session, persist it, then run generate+send. The returned session
// is non-nil whenever a row was created, even on failure.
func (s *Service) runSession(ctx context.Context, adminUserID, teamID string) (*storage.Session, error) {
	now := time.Now()
	sess := &storage.Session{
		ID:          newSessionID(now),
		GeneratedAt: now,
		Status:      storage.StatusPending,
		AdminUserID: adminUserID,
		TeamID:      teamID,
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.cacheSet(sess)
	s.appendSessionLog(ctx, sess.ID, "info", "session created",
		map[string]any{"admin_user_id": adminUserID, "team_id": teamID})

	if err := s.executeSession(ctx, sess); err != nil {
		return sess, err
	}
	return sess, nil
}

// executeSession runs the generate+send sequence for a pending session and
// transitions it to confirmed or failed. Mutation of one session is
// serialized by a per-id lock; each attempt is bounded by the configured
// timeout, propagated into the generator and sender.
func (s *Service) executeSession(ctx context.Context, sess *storage.Session) error {
	unlock := s.lockSession(sess.ID)
	defer unlock()

	// Re-check durable state under the lock; another actor may have finished,
	// cancelled, or deleted this session while we waited for it.
	cur, err := s.store.GetSession(ctx, sess.ID)
	if errors.Is(err, storage.ErrNotFound) {
		s.cacheDelete(sess.ID)
		return nil
	}
	if err == nil && cur.Status != storage.StatusPending {
		s.log.Debug("execution skipped; session no longer pending",
			logx.String("session", sess.ID), logx.String("status", string(cur.Status)))
		return nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout())
	defer cancel()

	plans, err := s.plans.GenerateIndividualPlans(attemptCtx, sess.TeamID)
	if err != nil {
		return s.failSession(ctx, sess, fmt.Errorf("generate plans: %w", err))
	}
	summary, err := s.plans.GenerateTeamSummary(attemptCtx, sess.TeamID)
	if err != nil {
		return s.failSession(ctx, sess, fmt.Errorf("generate summary: %w", err))
	}
	sess.Plans = plans
	sess.Summary = summary

	if err := s.sendAll(attemptCtx, sess); err != nil {
		return s.failSession(ctx, sess, err)
	}

	sess.Status = storage.StatusConfirmed
	sess.ErrorMessage = ""
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("persist confirmed session: %w", err)
	}
	s.cacheSet(sess)
	s.appendSessionLog(ctx, sess.ID, "info", "session confirmed",
		map[string]any{"plans": len(sess.Plans), "messages": len(sess.MessageIDs)})
	s.log.Info("session confirmed",
		logx.String("session", sess.ID),
		logx.Int("plans", len(sess.Plans)),
		logx.Int("messages", len(sess.MessageIDs)))
	return nil
}

// sendAll scopes the sender connection around the send phase only.
func (s *Service) sendAll(ctx context.Context, sess *storage.Session) error {
	if err := s.sender.Connect(ctx); err != nil {
		return fmt.Errorf("sender connect: %w", err)
	}
	defer func() {
		if err := s.sender.Disconnect(); err != nil {
			s.log.Warn("sender disconnect failed", logx.Err(err))
		}
	}()

	for _, p := range sess.Plans {
		id, err := s.sender.SendPlanMessage(ctx, p)
		if err != nil {
			return fmt.Errorf("send plan for %s: %w", p.UserID, err)
		}
		sess.MessageIDs = append(sess.MessageIDs, id)
	}
	if sess.Summary != nil {
		id, err := s.sender.SendSummaryMessage(ctx, *sess.Summary)
		if err != nil {
			return fmt.Errorf("send summary: %w", err)
		}
		sess.MessageIDs = append(sess.MessageIDs, id)
	}
	return nil
}

// failSession persists the failed state and returns cause. A persistence
// failure is logged without touching the cache's last-known-good entry.
func (s *Service) failSession(ctx context.Context, sess *storage.Session, cause error) error {
	sess.Status = storage.StatusFailed
	sess.ErrorMessage = cause.Error()
	if err := s.store.SaveSession(ctx, sess); err != nil {
		s.log.Error("persist failed session", logx.String("session", sess.ID), logx.Err(err))
		return cause
	}
	s.cacheSet(sess)
	s.appendSessionLog(ctx, sess.ID, "error", "session failed",
		map[string]any{"error": cause.Error(), "retry_count": sess.RetryCount})
	s.log.Warn("session failed", logx.String("session", sess.ID), logx.Int("retry_count", sess.RetryCount), logx.Err(cause))
	return cause
}
