package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"planbot/internal/storage"
	"planbot/pkg/logx"
)

// ScheduleExecution validates and installs a recurring execution. On success
// the previously active cron registration is torn down first; on a validation
// failure nothing is mutated.
func (s *Service) ScheduleExecution(ctx context.Context, req ScheduleRequest) (string, error) {
	spec := strings.TrimSpace(req.CronExpression)
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return "", &ValidationError{Field: "cron_expression", Reason: err.Error()}
	}
	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		return "", &ValidationError{Field: "timezone", Reason: "timezone is required"}
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", &ValidationError{Field: "timezone", Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrShutdown
	}

	cfg := &storage.ScheduleConfig{
		ID:             newScheduleID(),
		CronExpression: spec,
		Timezone:       tz,
		Enabled:        req.Enabled,
		AdminUserID:    req.AdminUserID,
		TeamID:         req.TeamID,
		ChatIDs:        req.ChatIDs,
	}
	next := sched.Next(time.Now().In(loc))
	cfg.NextExecution = &next

	s.stopCronLocked()
	if err := s.store.SaveScheduleConfig(ctx, cfg); err != nil {
		return "", fmt.Errorf("save schedule config: %w", err)
	}
	if cfg.Enabled {
		s.installCronLocked(cfg, sched, loc)
	}
	s.log.Info("schedule installed",
		logx.String("schedule", cfg.ID),
		logx.String("cron", spec),
		logx.String("tz", tz),
		logx.Bool("enabled", cfg.Enabled),
		logx.Time("next", next))
	return cfg.ID, nil
}

// CancelScheduledExecution stops the active cron registration. Idempotent
// when none is active; the persisted config history is untouched.
func (s *Service) CancelScheduledExecution() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	s.stopCronLocked()
	s.log.Info("schedule cancelled")
}

// ResumeSchedule reinstalls the cron registration for a persisted active
// schedule after a restart. Missing or disabled configs are not an error.
func (s *Service) ResumeSchedule(ctx context.Context) error {
	cfg, err := s.store.ActiveScheduleConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load active schedule: %w", err)
	}
	if !cfg.Enabled {
		return nil
	}
	sched, err := s.parser.Parse(cfg.CronExpression)
	if err != nil {
		return fmt.Errorf("stored cron expression %q: %w", cfg.CronExpression, err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("stored timezone %q: %w", cfg.Timezone, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	s.stopCronLocked()
	s.installCronLocked(cfg, sched, loc)
	s.log.Info("schedule resumed", logx.String("schedule", cfg.ID), logx.String("cron", cfg.CronExpression))
	return nil
}

// installCronLocked swaps in a fresh cron runner for cfg. Callers hold s.mu.
func (s *Service) installCronLocked(cfg *storage.ScheduleConfig, sched cron.Schedule, loc *time.Location) {
	gen := s.cronGen.Add(1)
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	scheduleID, adminID, teamID := cfg.ID, cfg.AdminUserID, cfg.TeamID
	c.Schedule(sched, cron.FuncJob(func() {
		s.runScheduledExecution(gen, scheduleID, adminID, teamID, sched, loc)
	}))
	c.Start()
	s.c = c
	s.activeScheduleID = scheduleID
}

// stopCronLocked tears down the active registration. Bumping the generation
// first turns any fire already dispatched into a no-op; in-flight work is
// never interrupted. Callers hold s.mu.
func (s *Service) stopCronLocked() {
	s.cronGen.Add(1)
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = nil
	s.activeScheduleID = ""
}

// runScheduledExecution is the cron trigger path. Unlike a manual trigger it
// has no synchronous caller, so failures are logged and recorded but never
// propagated.
func (s *Service) runScheduledExecution(gen uint64, scheduleID, adminID, teamID string, sched cron.Schedule, loc *time.Location) {
	if gen != s.cronGen.Load() {
		return // registration replaced or cancelled after this fire was dispatched
	}
	ctx := context.Background()
	s.log.Info("scheduled execution fired", logx.String("schedule", scheduleID))

	sess, err := s.runSession(ctx, adminID, teamID)
	if err != nil {
		sessionID := ""
		if sess != nil {
			sessionID = sess.ID
		}
		s.log.Error("scheduled execution failed",
			logx.String("schedule", scheduleID),
			logx.String("session", sessionID),
			logx.Err(err))
	}

	now := time.Now().In(loc)
	if err := s.store.MarkScheduleRun(ctx, scheduleID, now, sched.Next(now)); err != nil {
		s.log.Warn("mark schedule run failed", logx.String("schedule", scheduleID), logx.Err(err))
	}
}
