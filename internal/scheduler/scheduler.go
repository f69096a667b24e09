package scheduler

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"provenance/internal/audit"
	"provenance/internal/config"
	"provenance/internal/detect"
	"provenance/internal/intel"
	"provenance/internal/service"
	"provenance/internal/webhook"
)

// Job is one recurring collection target.
type Job struct {
	Handle     string        `json:"handle"`
	Interval   time.Duration `json:"interval"`
	WindowDays int           `json:"window_days"`
	MaxPosts   int           `json:"max_posts"`
	Query      string        `json:"query,omitempty"`
}

// RunResult is the terminal state of one run, kept for the status surface.
type RunResult struct {
	Handle     string    `json:"handle"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	AnalysisID string    `json:"analysis_id,omitempty"`
	Alerts     int       `json:"alerts"`
	Error      string    `json:"error,omitempty"`
}

type jobEntry struct {
	job           Job
	running       bool
	lastCompleted time.Time
	failures      int
	nextEligible  time.Time
}

// JobRunner executes one collection run to completion.
type JobRunner interface {
	Run(ctx context.Context, job Job) RunResult
}

// Scheduler drives recurring intelligence jobs under the monthly request
// budget. Ticks only dispatch; runs execute on their own goroutines, at most
// one per job.
type Scheduler struct {
	Config   config.SchedulerConfig
	Usage    *UsageFile
	Runner   JobRunner
	Webhooks *webhook.Dispatcher
	Audit    *audit.Emitter
	Logger   *zap.Logger

	MaxPages int

	mu       sync.Mutex
	jobs     map[string]*jobEntry
	lastRuns map[string]RunResult
	draining atomic.Bool
	wg       sync.WaitGroup
}

// New registers one job per configured handle.
func New(cfg config.SchedulerConfig, maxPages int, usage *UsageFile, collector *intel.Client, store *service.AnalysisStore, webhooks *webhook.Dispatcher, auditEmitter *audit.Emitter, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		Config:   cfg,
		Usage:    usage,
		Webhooks: webhooks,
		Audit:    auditEmitter,
		Logger:   logger,
		MaxPages: maxPages,
		jobs:     map[string]*jobEntry{},
		lastRuns: map[string]RunResult{},
	}
	s.Runner = &PipelineRunner{
		Collector: collector,
		Store:     store,
		Draining:  s.draining.Load,
	}
	for _, handle := range cfg.Handles {
		s.AddJob(Job{
			Handle:     handle,
			Interval:   cfg.Interval,
			WindowDays: cfg.WindowDays,
			MaxPosts:   cfg.MaxPosts,
			Query:      cfg.Query,
		})
	}
	return s
}

func (s *Scheduler) AddJob(job Job) {
	slug := intel.SlugHandle(job.Handle)
	if slug == "target" && intel.NormalizeHandle(job.Handle) == "" {
		return
	}
	if job.Interval <= 0 {
		job.Interval = s.Config.Interval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[slug]; !exists {
		s.jobs[slug] = &jobEntry{job: job}
	}
}

// RemoveJob cancels future runs. An in-flight run completes and its result
// is still persisted.
func (s *Scheduler) RemoveJob(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, intel.SlugHandle(handle))
}

// Run ticks until ctx is cancelled, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.Duration(s.Config.TickSeconds) * time.Second
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.draining.Store(true)
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enforces the monthly budget and dispatches due jobs. It never blocks
// on job execution.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	monthKey := now.Format("2006-01")
	if rolled, err := s.Usage.RollMonth(monthKey, s.Config.KillSwitchOnCap); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("usage month roll failed", zap.Error(err))
		}
	} else if rolled && s.Logger != nil {
		s.Logger.Info("scheduler month rolled", zap.String("month", monthKey))
	}

	usage := s.Usage.Snapshot()
	if usage.KillSwitchArmed && usage.RequestsUsed >= s.Config.MonthlyRequestCap {
		s.emit("scheduler.capped", "warning", map[string]any{
			"month_key":     usage.MonthKey,
			"requests_used": usage.RequestsUsed,
			"monthly_cap":   s.Config.MonthlyRequestCap,
		})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for slug, entry := range s.jobs {
		if entry.running {
			continue
		}
		if now.Before(entry.nextEligible) {
			continue
		}
		if !entry.lastCompleted.IsZero() && now.Before(entry.lastCompleted.Add(entry.job.Interval)) {
			continue
		}

		estimate := intel.EstimatePlan(entry.job.MaxPosts, s.MaxPages).EstimatedRequests
		usage = s.Usage.Snapshot()
		if usage.RequestsUsed+estimate > s.Config.MonthlyRequestCap {
			s.emit("scheduler.budget_skip", "warning", map[string]any{
				"handle":        entry.job.Handle,
				"estimate":      estimate,
				"requests_used": usage.RequestsUsed,
				"monthly_cap":   s.Config.MonthlyRequestCap,
			})
			continue
		}

		if err := s.Usage.Add(estimate); err != nil && s.Logger != nil {
			s.Logger.Warn("usage persist failed", zap.Error(err))
		}
		entry.running = true
		s.wg.Add(1)
		go s.runJob(ctx, slug, entry.job)
	}
}

// TriggerOnce runs a single job immediately, outside the tick cadence but
// still against the budget. Admin surface.
func (s *Scheduler) TriggerOnce(ctx context.Context, handle string) RunResult {
	slug := intel.SlugHandle(handle)
	job := Job{
		Handle:     handle,
		Interval:   s.Config.Interval,
		WindowDays: s.Config.WindowDays,
		MaxPosts:   s.Config.MaxPosts,
		Query:      s.Config.Query,
	}
	s.mu.Lock()
	entry, registered := s.jobs[slug]
	if registered {
		if entry.running {
			s.mu.Unlock()
			return RunResult{Handle: handle, Status: "skipped_already_running"}
		}
		job = entry.job
	}
	estimate := intel.EstimatePlan(job.MaxPosts, s.MaxPages).EstimatedRequests
	if usage := s.Usage.Snapshot(); usage.RequestsUsed+estimate > s.Config.MonthlyRequestCap {
		s.mu.Unlock()
		return RunResult{Handle: handle, Status: "skipped_budget"}
	}
	if err := s.Usage.Add(estimate); err != nil && s.Logger != nil {
		s.Logger.Warn("usage persist failed", zap.Error(err))
	}
	if registered {
		entry.running = true
	}
	s.mu.Unlock()

	s.wg.Add(1)
	s.runJob(ctx, slug, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRuns[slug]
}

func (s *Scheduler) runJob(ctx context.Context, slug string, job Job) {
	defer s.wg.Done()
	startedAt := time.Now().UTC()
	s.emit("scheduler.run", "info", map[string]any{"handle": job.Handle})

	result := s.Runner.Run(ctx, job)
	result.StartedAt = startedAt

	s.mu.Lock()
	if entry, ok := s.jobs[slug]; ok {
		entry.running = false
		entry.lastCompleted = time.Now().UTC()
		if result.Status == "success" {
			entry.failures = 0
			entry.nextEligible = time.Time{}
		} else {
			entry.failures++
			backoff := math.Min(math.Pow(2, float64(entry.failures)), float64(s.Config.MaxRetrySeconds))
			entry.nextEligible = time.Now().UTC().Add(time.Duration(backoff) * time.Second)
		}
	}
	s.lastRuns[slug] = result
	s.mu.Unlock()

	if result.Status == "success" {
		if s.Logger != nil {
			s.Logger.Info("scheduler run succeeded",
				zap.String("handle", job.Handle),
				zap.String("analysis_id", result.AnalysisID),
				zap.Int("alerts", result.Alerts),
			)
		}
		s.enqueueWebhook("scheduled_report", result)
	} else {
		if s.Logger != nil {
			s.Logger.Warn("scheduler run failed",
				zap.String("handle", job.Handle),
				zap.String("error", result.Error),
			)
		}
		s.emit("scheduler.run_failed", "error", map[string]any{
			"handle": job.Handle,
			"error":  result.Error,
		})
		s.enqueueWebhook("scheduled_report_failed", result)
	}
}

// PipelineRunner is the production run pipeline: collect → report →
// persist. Draining reports whether process shutdown has begun; it is
// checked once between the collection and report phases because runs are not
// cancellable mid-step.
type PipelineRunner struct {
	Collector *intel.Client
	Store     *service.AnalysisStore
	Draining  func() bool
}

func (r *PipelineRunner) Run(ctx context.Context, job Job) RunResult {
	result := RunResult{
		Handle: job.Handle,
	}

	collection, err := r.Collector.Collect(ctx, intel.CollectOptions{
		Handle:     job.Handle,
		WindowDays: job.WindowDays,
		MaxPosts:   job.MaxPosts,
		Query:      job.Query,
	})
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		result.FinishedAt = time.Now().UTC()
		return result
	}

	if r.Draining != nil && r.Draining() {
		result.Status = "aborted_shutdown"
		result.Error = "shutdown requested before report phase"
		result.FinishedAt = time.Now().UTC()
		return result
	}

	report := intel.BuildReport(collection)
	payload, err := json.Marshal(map[string]any{
		"report": report,
		"collection_meta": map[string]any{
			"requests_used": collection.RequestsUsed,
			"post_count":    len(collection.Posts),
			"notes":         collection.Notes,
		},
	})
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		result.FinishedAt = time.Now().UTC()
		return result
	}

	// Persist with a background context so a late shutdown cannot lose a
	// completed run.
	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	analysisID, _, err := r.Store.Put(storeCtx, service.PutInput{
		ContentType:   detect.ModalityText,
		ContentHash:   report.ContentDigest,
		IsAIGenerated: report.AILikelihood >= 0.5,
		Confidence:    report.AILikelihood,
		Result:        payload,
		Source:        "scheduled",
		InputSize:     int64(len(collection.Posts)),
	})
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		result.FinishedAt = time.Now().UTC()
		return result
	}

	result.Status = "success"
	result.AnalysisID = analysisID
	result.Alerts = len(report.Alerts)
	result.FinishedAt = time.Now().UTC()
	return result
}

func (s *Scheduler) enqueueWebhook(eventType string, result RunResult) {
	if s.Webhooks == nil {
		return
	}
	if err := s.Webhooks.Enqueue(eventType, result); err != nil && s.Logger != nil {
		s.Logger.Warn("webhook enqueue failed", zap.Error(err))
	}
}

func (s *Scheduler) emit(eventType, severity string, payload map[string]any) {
	if s.Audit != nil {
		s.Audit.Emit(eventType, severity, payload, audit.EmitOptions{Source: "scheduler"})
	}
}

// StatusView is the admin status surface.
type StatusView struct {
	Enabled  bool                 `json:"enabled"`
	Jobs     []Job                `json:"jobs"`
	Usage    Usage                `json:"usage"`
	LastRuns map[string]RunResult `json:"last_runs"`
}

func (s *Scheduler) Status() StatusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, entry := range s.jobs {
		jobs = append(jobs, entry.job)
	}
	lastRuns := make(map[string]RunResult, len(s.lastRuns))
	for k, v := range s.lastRuns {
		lastRuns[k] = v
	}
	return StatusView{
		Enabled:  s.Config.Enabled,
		Jobs:     jobs,
		Usage:    s.Usage.Snapshot(),
		LastRuns: lastRuns,
	}
}
