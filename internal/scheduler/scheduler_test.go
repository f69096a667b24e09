package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"provenance/internal/config"
)

type stubRunner struct {
	runs    atomic.Int64
	release chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, job Job) RunResult {
	r.runs.Add(1)
	if r.release != nil {
		<-r.release
	}
	return RunResult{
		Handle:     job.Handle,
		Status:     "success",
		FinishedAt: time.Now().UTC(),
	}
}

func testScheduler(t *testing.T, cfg config.SchedulerConfig, runner JobRunner) *Scheduler {
	t.Helper()
	usage, err := LoadUsage(filepath.Join(t.TempDir(), "usage.json"))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	s := New(cfg, 3, usage, nil, nil, nil, nil, nil)
	s.Runner = runner
	return s
}

func budgetConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:           true,
		TickSeconds:       30,
		Interval:          time.Nanosecond,
		WindowDays:        14,
		MaxPosts:          250, // estimate: 1 + 2 + 1 + 1 = 5 requests
		Handles:           []string{"@example"},
		MonthlyRequestCap: 12,
		KillSwitchOnCap:   true,
		MaxRetrySeconds:   900,
	}
}

func TestBudgetSkipAfterCap(t *testing.T) {
	runner := &stubRunner{}
	s := testScheduler(t, budgetConfig(), runner)
	ctx := context.Background()

	s.Tick(ctx)
	s.wg.Wait()
	if used := s.Usage.Snapshot().RequestsUsed; used != 5 {
		t.Fatalf("after tick 1 usage = %d, want 5", used)
	}

	s.Tick(ctx)
	s.wg.Wait()
	if used := s.Usage.Snapshot().RequestsUsed; used != 10 {
		t.Fatalf("after tick 2 usage = %d, want 10", used)
	}

	// 10 + 5 > 12: the third tick must skip without dispatching.
	s.Tick(ctx)
	s.wg.Wait()
	if used := s.Usage.Snapshot().RequestsUsed; used != 10 {
		t.Fatalf("after tick 3 usage = %d, want 10 (budget skip)", used)
	}
	if runs := runner.runs.Load(); runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
}

func TestAtMostOneConcurrentRunPerJob(t *testing.T) {
	runner := &stubRunner{release: make(chan struct{})}
	cfg := budgetConfig()
	cfg.MonthlyRequestCap = 1000
	s := testScheduler(t, cfg, runner)
	ctx := context.Background()

	s.Tick(ctx)
	waitFor(t, func() bool { return runner.runs.Load() == 1 })

	// Second tick while the run is still executing: skipped, not queued.
	s.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if runs := runner.runs.Load(); runs != 1 {
		t.Fatalf("concurrent runs dispatched: %d", runs)
	}

	close(runner.release)
	s.wg.Wait()

	s.Tick(ctx)
	s.wg.Wait()
	if runs := runner.runs.Load(); runs != 2 {
		t.Fatalf("runs = %d, want 2 after release", runs)
	}
}

func TestKillSwitchStopsDispatch(t *testing.T) {
	runner := &stubRunner{}
	cfg := budgetConfig()
	cfg.MonthlyRequestCap = 5
	s := testScheduler(t, cfg, runner)
	ctx := context.Background()

	monthKey := time.Now().UTC().Format("2006-01")
	s.Usage.RollMonth(monthKey, true)
	s.Usage.Add(5)

	s.Tick(ctx)
	s.wg.Wait()
	if runs := runner.runs.Load(); runs != 0 {
		t.Fatalf("capped scheduler dispatched %d runs", runs)
	}

	// Operator clears the switch; interval/backoff permitting, work resumes
	// only when the budget allows, which it still does not.
	s.Usage.ClearKillSwitch()
	s.Tick(ctx)
	s.wg.Wait()
	if runs := runner.runs.Load(); runs != 0 {
		t.Fatalf("budget-exhausted scheduler dispatched %d runs", runs)
	}
}

func TestRemovedJobStopsFutureRuns(t *testing.T) {
	runner := &stubRunner{}
	cfg := budgetConfig()
	cfg.MonthlyRequestCap = 1000
	s := testScheduler(t, cfg, runner)
	ctx := context.Background()

	s.Tick(ctx)
	s.wg.Wait()
	if runs := runner.runs.Load(); runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}

	s.RemoveJob("@example")
	s.Tick(ctx)
	s.wg.Wait()
	if runs := runner.runs.Load(); runs != 1 {
		t.Fatalf("removed job still ran: %d", runs)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
