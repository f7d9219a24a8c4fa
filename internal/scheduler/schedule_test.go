package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"planbot/internal/storage"
)

func TestScheduleExecutionValidation(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   ScheduleRequest
		field string
	}{
		{
			name:  "malformed cron",
			req:   ScheduleRequest{CronExpression: "not a cron", Timezone: "UTC", Enabled: true},
			field: "cron_expression",
		},
		{
			name:  "six field cron rejected",
			req:   ScheduleRequest{CronExpression: "0 0 9 * * *", Timezone: "UTC", Enabled: true},
			field: "cron_expression",
		},
		{
			name:  "missing timezone",
			req:   ScheduleRequest{CronExpression: "0 9 * * *", Enabled: true},
			field: "timezone",
		},
		{
			name:  "unknown timezone",
			req:   ScheduleRequest{CronExpression: "0 9 * * *", Timezone: "Mars/Olympus", Enabled: true},
			field: "timezone",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := svc.ScheduleExecution(ctx, tt.req)
			if id != "" {
				t.Fatalf("got schedule id %q for invalid request", id)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}

	// Validation failures mutate nothing: no config rows, no cron runner.
	if _, err := svc.store.ActiveScheduleConfig(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("config persisted by invalid request: %v", err)
	}
	info, err := svc.GetScheduleInfo(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info != nil {
		t.Fatalf("schedule active after invalid requests: %+v", info)
	}
}

func TestScheduleExecutionPersistsAndInstalls(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)
	ctx := context.Background()

	id, err := svc.ScheduleExecution(ctx, ScheduleRequest{
		CronExpression: "0 9 * * *",
		Timezone:       "Europe/Berlin",
		Enabled:        true,
		AdminUserID:    "admin-1",
		TeamID:         "team-1",
		ChatIDs:        []int64{100, 200},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	cfg, err := svc.store.ActiveScheduleConfig(ctx)
	if err != nil {
		t.Fatalf("active config: %v", err)
	}
	if cfg.ID != id || cfg.CronExpression != "0 9 * * *" || cfg.Timezone != "Europe/Berlin" {
		t.Fatalf("persisted config mismatch: %+v", cfg)
	}
	if cfg.NextExecution == nil || !cfg.NextExecution.After(time.Now()) {
		t.Fatalf("next execution not computed: %+v", cfg.NextExecution)
	}

	svc.mu.Lock()
	active, runner := svc.activeScheduleID, svc.c
	svc.mu.Unlock()
	if active != id || runner == nil {
		t.Fatalf("cron runner not installed: active=%q runner=%v", active, runner != nil)
	}
}

func TestScheduleExecutionDisabledDoesNotInstall(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)
	ctx := context.Background()

	id, err := svc.ScheduleExecution(ctx, ScheduleRequest{
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		Enabled:        false,
		AdminUserID:    "admin-1",
		TeamID:         "team-1",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if id == "" {
		t.Fatal("expected a schedule id")
	}

	svc.mu.Lock()
	runner := svc.c
	svc.mu.Unlock()
	if runner != nil {
		t.Fatal("disabled schedule must not start a cron runner")
	}
	// The config is still recorded for later enablement.
	if _, err := svc.store.ActiveScheduleConfig(ctx); err != nil {
		t.Fatalf("active config: %v", err)
	}
}

func TestScheduleExecutionReplacesRegistration(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)
	ctx := context.Background()

	first, err := svc.ScheduleExecution(ctx, ScheduleRequest{
		CronExpression: "0 9 * * *", Timezone: "UTC", Enabled: true,
		AdminUserID: "admin-1", TeamID: "team-1",
	})
	if err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	staleGen := svc.cronGen.Load()

	second, err := svc.ScheduleExecution(ctx, ScheduleRequest{
		CronExpression: "30 8 * * 1", Timezone: "Europe/Berlin", Enabled: true,
		AdminUserID: "admin-1", TeamID: "team-1",
	})
	if err != nil {
		t.Fatalf("second schedule: %v", err)
	}

	svc.mu.Lock()
	active := svc.activeScheduleID
	svc.mu.Unlock()
	if active != second {
		t.Fatalf("active = %q, want %q", active, second)
	}
	cfg, err := svc.store.ActiveScheduleConfig(ctx)
	if err != nil {
		t.Fatalf("active config: %v", err)
	}
	if cfg.ID != second {
		t.Fatalf("persisted active = %q, want %q", cfg.ID, second)
	}

	// A fire dispatched from the replaced registration is a no-op.
	sched, _ := svc.parser.Parse("0 9 * * *")
	svc.runScheduledExecution(staleGen, first, "admin-1", "team-1", sched, time.UTC)
	recent, err := svc.store.ListRecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("stale fire created sessions: %+v", recent)
	}
}

func TestCancelScheduledExecution(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)
	ctx := context.Background()

	// Idempotent with nothing installed.
	svc.CancelScheduledExecution()

	if _, err := svc.ScheduleExecution(ctx, ScheduleRequest{
		CronExpression: "0 9 * * *", Timezone: "UTC", Enabled: true,
		AdminUserID: "admin-1", TeamID: "team-1",
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	svc.CancelScheduledExecution()
	svc.CancelScheduledExecution()

	svc.mu.Lock()
	active, runner := svc.activeScheduleID, svc.c
	svc.mu.Unlock()
	if runner != nil || active != "" {
		t.Fatalf("cancel left registration behind: active=%q", active)
	}
	// The persisted config history survives a cancel.
	if _, err := svc.store.ActiveScheduleConfig(ctx); err != nil {
		t.Fatalf("config history lost on cancel: %v", err)
	}
}

func TestResumeSchedule(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)
	ctx := context.Background()

	// No persisted schedule: resume is a no-op, not an error.
	if err := svc.ResumeSchedule(ctx); err != nil {
		t.Fatalf("resume with no config: %v", err)
	}

	cfg := &storage.ScheduleConfig{
		ID:             "sched-resume",
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		Enabled:        true,
		AdminUserID:    "admin-1",
		TeamID:         "team-1",
	}
	if err := svc.store.SaveScheduleConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	if err := svc.ResumeSchedule(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	svc.mu.Lock()
	active, runner := svc.activeScheduleID, svc.c
	svc.mu.Unlock()
	if active != "sched-resume" || runner == nil {
		t.Fatalf("schedule not resumed: active=%q runner=%v", active, runner != nil)
	}
}

func TestResumeScheduleDisabledConfig(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)
	ctx := context.Background()

	cfg := &storage.ScheduleConfig{
		ID:             "sched-off",
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		Enabled:        false,
		AdminUserID:    "admin-1",
		TeamID:         "team-1",
	}
	if err := svc.store.SaveScheduleConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := svc.ResumeSchedule(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	svc.mu.Lock()
	runner := svc.c
	svc.mu.Unlock()
	if runner != nil {
		t.Fatal("disabled config must not resume a cron runner")
	}
}

func TestCronPathRecordsFailureWithoutPropagating(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{failures: 1}, nil)
	ctx := context.Background()

	id, err := svc.ScheduleExecution(ctx, ScheduleRequest{
		CronExpression: "0 9 * * *", Timezone: "UTC", Enabled: true,
		AdminUserID: "admin-1", TeamID: "team-1",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Drive a fire directly with the live generation; the trigger path has no
	// caller to report to, so the failure must land in durable state only.
	sched, _ := svc.parser.Parse("0 9 * * *")
	svc.runScheduledExecution(svc.cronGen.Load(), id, "admin-1", "team-1", sched, time.UTC)

	recent, err := svc.store.ListRecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("sessions = %d, want 1", len(recent))
	}
	if recent[0].Status != storage.StatusFailed || recent[0].ErrorMessage == "" {
		t.Fatalf("failure not recorded: %+v", recent[0])
	}

	cfg, err := svc.store.ActiveScheduleConfig(ctx)
	if err != nil {
		t.Fatalf("active config: %v", err)
	}
	if cfg.LastExecution == nil || cfg.NextExecution == nil {
		t.Fatalf("schedule run not marked: %+v", cfg)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)
	ctx := context.Background()

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := svc.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if _, err := svc.TriggerManualExecution(ctx, "admin-1", "team-1"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("trigger after shutdown: %v, want ErrShutdown", err)
	}
	if _, err := svc.ScheduleExecution(ctx, ScheduleRequest{
		CronExpression: "0 9 * * *", Timezone: "UTC", Enabled: true,
	}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("schedule after shutdown: %v, want ErrShutdown", err)
	}
	if _, err := svc.RetryFailedSession(ctx, "exec-1"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("retry after shutdown: %v, want ErrShutdown", err)
	}
}
