package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"planbot/internal/config"
	"planbot/internal/notifier"
	"planbot/internal/planner"
	"planbot/internal/scheduler"
	"planbot/internal/storage"
	"planbot/pkg/logx"
)

func main() {
	var (
		cfgPath      string
		triggerAdmin string
		triggerTeam  string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&triggerAdmin, "trigger-admin", "", "run one manual execution as this admin and exit")
	flag.StringVar(&triggerTeam, "trigger-team", "", "team for -trigger-admin")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, triggerAdmin, triggerTeam); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, triggerAdmin, triggerTeam string) error {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = closeLog() }()

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	gen, err := planner.NewTrackerClient(planner.TrackerConfig{
		BaseURL: cfg.Tracker.BaseURL,
		Token:   cfg.Tracker.Token,
		Timeout: cfg.Tracker.Timeout.Std(),
	}, log.With(logx.String("component", "planner")))
	if err != nil {
		return fmt.Errorf("init tracker client: %w", err)
	}

	sender, err := notifier.NewTelegramSender(notifier.TelegramConfig{
		Token:      cfg.Telegram.Token,
		ChatIDs:    cfg.Telegram.ChatIDs,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, log.With(logx.String("component", "notifier")))
	if err != nil {
		return fmt.Errorf("init telegram sender: %w", err)
	}

	svc := scheduler.New(store, gen, sender, schedulerConfig(cfg), log.With(logx.String("component", "scheduler")))

	// One-shot manual trigger mode. Authorization is the caller's job, so
	// the allow-list check lives here, not in the scheduler.
	if triggerAdmin != "" {
		defer func() { _ = svc.Shutdown(context.Background()) }()
		if !cfg.IsAdmin(triggerAdmin) {
			return fmt.Errorf("user %q is not on the admin allow-list", triggerAdmin)
		}
		sess, err := svc.TriggerManualExecution(ctx, triggerAdmin, triggerTeam)
		if err != nil {
			if sess != nil {
				return fmt.Errorf("execution failed (session %s, retryable via retry): %w", sess.ID, err)
			}
			return fmt.Errorf("execution failed: %w", err)
		}
		log.Info("manual execution confirmed", logx.String("session", sess.ID))
		return nil
	}

	// Rebuild in-process state from durable rows.
	if err := svc.ResumeSchedule(ctx); err != nil {
		log.Warn("resume schedule failed", logx.Err(err))
	}
	if n, err := svc.RecoverPendingRetries(ctx); err != nil {
		log.Warn("retry recovery failed", logx.Err(err))
	} else if n > 0 {
		log.Info("sessions recovered", logx.Int("count", n))
	}

	// Config hot-reload for scheduler knobs.
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go func() { _ = mgr.Watch(ctx) }()
	go func() {
		for next := range updates {
			svc.Apply(schedulerConfig(next))
		}
	}()

	// Retention maintenance.
	go func() {
		t := time.NewTicker(cfg.Scheduler.CleanupInterval.Std())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				retention := mgr.Get().Scheduler.Retention.Std()
				if _, err := svc.CleanupOldData(ctx, retention); err != nil {
					log.Warn("cleanup failed", logx.Err(err))
				}
			}
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("planbot started", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return svc.Shutdown(stopCtx)
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		MaxRetries:     cfg.Scheduler.MaxRetries,
		RetryBaseDelay: cfg.Scheduler.RetryBaseDelay.Std(),
		AttemptTimeout: cfg.Scheduler.AttemptTimeout.Std(),
	}
}
