package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"planbot/internal/storage"
	"planbot/pkg/logx"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
	}
	for _, tt := range tests {
		if got := svc.backoffDelay(tt.retryCount); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}

	custom := newTestService(t, Config{RetryBaseDelay: 100 * time.Millisecond}, &fakeGenerator{}, nil)
	if got := custom.backoffDelay(2); got != 400*time.Millisecond {
		t.Errorf("backoffDelay(2) with 100ms base = %v, want 400ms", got)
	}
}

func TestRetryFailedSessionSchedulesBackoff(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{failures: 1}, nil)
	ctx := context.Background()

	failed, err := svc.TriggerManualExecution(ctx, "admin-1", "team-1")
	if err == nil {
		t.Fatal("expected the first run to fail")
	}

	before := time.Now()
	sess, err := svc.RetryFailedSession(ctx, failed.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a retried session")
	}
	if sess.Status != storage.StatusPending {
		t.Fatalf("status = %s, want pending", sess.Status)
	}
	if sess.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", sess.RetryCount)
	}
	if sess.ErrorMessage != "" {
		t.Fatalf("error message should be cleared, got %q", sess.ErrorMessage)
	}
	if sess.NextRetryAt == nil || sess.LastRetryAt == nil {
		t.Fatal("retry timestamps not set")
	}
	// First retry uses the base delay (5s by default).
	got := sess.NextRetryAt.Sub(before)
	if got < 4*time.Second || got > 6*time.Second {
		t.Fatalf("next retry in %v, want ~5s", got)
	}
	if svc.PendingRetryCount() != 1 {
		t.Fatalf("armed timers = %d, want 1", svc.PendingRetryCount())
	}

	stored, err := svc.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != storage.StatusPending || stored.RetryCount != 1 {
		t.Fatalf("retry state not persisted: %+v", stored)
	}
}

func TestRetryFailedSessionNilCases(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)
	ctx := context.Background()
	now := time.Now()

	seed := []*storage.Session{
		{ID: "exec-confirmed", GeneratedAt: now, Status: storage.StatusConfirmed},
		{ID: "exec-exhausted", GeneratedAt: now, Status: storage.StatusFailed, RetryCount: 3},
	}
	for _, s := range seed {
		if err := svc.store.SaveSession(ctx, s); err != nil {
			t.Fatalf("seed %s: %v", s.ID, err)
		}
	}

	tests := []struct {
		name string
		id   string
	}{
		{"missing session", "exec-nope"},
		{"not failed", "exec-confirmed"},
		{"budget exhausted", "exec-exhausted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := svc.RetryFailedSession(ctx, tt.id)
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if sess != nil {
				t.Fatalf("expected nil, got %+v", sess)
			}
		})
	}
	if svc.PendingRetryCount() != 0 {
		t.Fatalf("no timers should be armed, got %d", svc.PendingRetryCount())
	}
}

// waitForSession polls until cond holds for the stored session or the
// deadline passes.
func waitForSession(t *testing.T, svc *Service, id string, cond func(*storage.Session) bool) *storage.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := svc.store.GetSession(context.Background(), id)
		if err == nil && cond(sess) {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached expected state", id)
	return nil
}

func TestRetryTimerFireConfirms(t *testing.T) {
	t.Parallel()
	// Fail once, succeed on the retry.
	svc := newTestService(t, Config{RetryBaseDelay: 20 * time.Millisecond}, &fakeGenerator{failures: 1}, nil)
	ctx := context.Background()

	failed, err := svc.TriggerManualExecution(ctx, "admin-1", "team-1")
	if err == nil {
		t.Fatal("expected the first run to fail")
	}
	if _, err := svc.RetryFailedSession(ctx, failed.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	sess := waitForSession(t, svc, failed.ID, func(s *storage.Session) bool {
		return s.Status == storage.StatusConfirmed
	})
	if sess.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", sess.RetryCount)
	}
	if len(sess.MessageIDs) == 0 {
		t.Fatal("confirmed session has no message ids")
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	t.Parallel()
	// Every attempt fails; the dispatcher must stop after MaxRetries.
	svc := newTestService(t, Config{MaxRetries: 2, RetryBaseDelay: 20 * time.Millisecond},
		&fakeGenerator{failures: 100}, nil)
	ctx := context.Background()

	failed, err := svc.TriggerManualExecution(ctx, "admin-1", "team-1")
	if err == nil {
		t.Fatal("expected the first run to fail")
	}
	if _, err := svc.RetryFailedSession(ctx, failed.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	sess := waitForSession(t, svc, failed.ID, func(s *storage.Session) bool {
		return s.Status == storage.StatusFailed && s.RetryCount == 2
	})
	if sess.ErrorMessage == "" {
		t.Fatal("exhausted session should carry the last error")
	}

	// The dispatcher must not arm another timer past the budget.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if svc.PendingRetryCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := svc.PendingRetryCount(); n != 0 {
		t.Fatalf("timers still armed after exhaustion: %d", n)
	}
	if sess, err := svc.RetryFailedSession(ctx, failed.ID); err != nil || sess != nil {
		t.Fatalf("exhausted session retried again: %+v, %v", sess, err)
	}
}

func TestRecoverPendingRetries(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{}, nil)
	ctx := context.Background()
	now := time.Now()
	future := now.Add(time.Hour)

	seed := []*storage.Session{
		// Mid-backoff at crash time: re-arm for the remainder.
		{ID: "exec-pending", GeneratedAt: now, Status: storage.StatusPending, RetryCount: 1, NextRetryAt: &future},
		// Failed under budget: goes back through the retry transition.
		{ID: "exec-failed", GeneratedAt: now, Status: storage.StatusFailed, RetryCount: 1, ErrorMessage: "boom"},
		// Out of budget: left alone.
		{ID: "exec-exhausted", GeneratedAt: now, Status: storage.StatusFailed, RetryCount: 3},
		{ID: "exec-done", GeneratedAt: now, Status: storage.StatusConfirmed},
	}
	for _, s := range seed {
		if err := svc.store.SaveSession(ctx, s); err != nil {
			t.Fatalf("seed %s: %v", s.ID, err)
		}
	}

	recovered, err := svc.RecoverPendingRetries(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 2 {
		t.Fatalf("recovered = %d, want 2", recovered)
	}
	if svc.PendingRetryCount() != 2 {
		t.Fatalf("armed timers = %d, want 2", svc.PendingRetryCount())
	}

	reFailed, err := svc.store.GetSession(ctx, "exec-failed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reFailed.Status != storage.StatusPending || reFailed.RetryCount != 2 {
		t.Fatalf("failed session not re-entered into retry: %+v", reFailed)
	}
	exhausted, err := svc.store.GetSession(ctx, "exec-exhausted")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exhausted.Status != storage.StatusFailed || exhausted.RetryCount != 3 {
		t.Fatalf("exhausted session touched by recovery: %+v", exhausted)
	}
}

// gatedStore stalls pending-session saves while enabled so a test can hold
// one writer mid-mutation and observe what concurrent callers do.
type gatedStore struct {
	storage.Store
	enabled atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) SaveSession(ctx context.Context, sess *storage.Session) error {
	if g.enabled.Load() && sess.Status == storage.StatusPending {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Store.SaveSession(ctx, sess)
}

func TestRetrySerializesWithStatusUpdates(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "planbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	gs := &gatedStore{Store: st, entered: make(chan struct{}), release: make(chan struct{})}
	gen := &fakeGenerator{failures: 1}
	svc := New(gs, gen, &fakeSender{}, Config{RetryBaseDelay: 20 * time.Millisecond}, logx.Nop())
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Shutdown(sctx)
	})
	ctx := context.Background()

	failed, err := svc.TriggerManualExecution(ctx, "admin-1", "team-1")
	if err == nil {
		t.Fatal("expected the first run to fail")
	}

	// Stall the retry transition mid-save, holding the session lock.
	gs.enabled.Store(true)
	retryDone := make(chan struct{})
	go func() {
		defer close(retryDone)
		_, _ = svc.RetryFailedSession(ctx, failed.ID)
	}()
	<-gs.entered

	updateDone := make(chan struct{})
	go func() {
		defer close(updateDone)
		_ = svc.UpdateSessionStatus(ctx, failed.ID, storage.StatusConfirmed, "")
	}()

	// The status update must wait for the in-flight retry, not interleave.
	select {
	case <-updateDone:
		t.Fatal("status update ran while a retry held the session")
	case <-time.After(100 * time.Millisecond):
	}

	gs.enabled.Store(false)
	close(gs.release)
	<-retryDone
	<-updateDone

	waitForSession(t, svc, failed.ID, func(s *storage.Session) bool {
		return s.Status == storage.StatusConfirmed
	})

	// The timer armed by the retry fires against a confirmed session and
	// must not revert it or run another generate+send.
	time.Sleep(150 * time.Millisecond)
	got, err := st.GetSession(ctx, failed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.StatusConfirmed {
		t.Fatalf("confirmed session reverted to %q", got.Status)
	}
	gen.mu.Lock()
	calls := gen.calls
	gen.mu.Unlock()
	if calls != 1 {
		t.Fatalf("plan generation ran %d times, want 1", calls)
	}
}

func TestDispatchRetrySkipsCleanedUpSession(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, Config{}, &fakeGenerator{failures: 1}, nil)
	ctx := context.Background()

	failed, err := svc.TriggerManualExecution(ctx, "admin-1", "team-1")
	if err == nil {
		t.Fatal("expected the first run to fail")
	}
	if _, err := svc.RetryFailedSession(ctx, failed.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	// Simulate cleanup racing the armed timer.
	svc.disarmRetry(failed.ID)
	if _, err := svc.store.DeleteSessionsBefore(ctx, time.Now().Add(time.Hour), storage.StatusPending); err != nil {
		t.Fatalf("delete: %v", err)
	}

	svc.dispatchRetry(failed.ID)

	if svc.cacheGet(failed.ID) != nil {
		t.Fatal("cache entry should be evicted when the session is gone")
	}
	if svc.PendingRetryCount() != 0 {
		t.Fatalf("timers armed after dispatch of deleted session: %d", svc.PendingRetryCount())
	}
}
