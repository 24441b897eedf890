package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// staleLockMessage is recorded on jobs reclaimed by the stale sweep.
const staleLockMessage = "processing lock expired; worker presumed crashed"

// MonitorSettings tunes the recurring sweeps.
type MonitorSettings struct {
	PendingInterval  time.Duration // pending-job dispatch sweep
	ScheduleInterval time.Duration // due-schedule promotion sweep
	StaleInterval    time.Duration // stale-lock reclamation sweep
	StaleLockAfter   time.Duration // lock age treated as a crashed worker
	PendingBatch     int           // jobs dispatched per pending sweep
	DispatchStagger  time.Duration // pause between dispatches in one sweep
}

// DefaultMonitorSettings returns the standard sweep cadence.
func DefaultMonitorSettings() MonitorSettings {
	return MonitorSettings{
		PendingInterval:  time.Minute,
		ScheduleInterval: time.Minute,
		StaleInterval:    5 * time.Minute,
		StaleLockAfter:   30 * time.Minute,
		PendingBatch:     5,
		DispatchStagger:  2 * time.Second,
	}
}

// Monitor runs the recurring sweeps that feed the orchestrator: it
// dispatches pending jobs, promotes due schedules to pending, and reclaims
// locks left behind by crashed workers.
type Monitor struct {
	storage   Storage
	processor JobProcessor
	settings  MonitorSettings

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewMonitor creates a monitor over the given storage and processor.
func NewMonitor(storage Storage, processor JobProcessor, settings MonitorSettings) *Monitor {
	return &Monitor{
		storage:   storage,
		processor: processor,
		settings:  settings,
		cron:      cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		now:       time.Now,
	}
}

// Start registers the sweeps and begins running them. It returns
// immediately; sweeps run until Stop or context cancellation.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	sweeps := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"pending", m.settings.PendingInterval, m.sweepPending},
		{"schedule", m.settings.ScheduleInterval, m.sweepScheduled},
		{"stale", m.settings.StaleInterval, m.sweepStale},
	}

	for _, sweep := range sweeps {
		run := sweep.run
		spec := fmt.Sprintf("@every %s", sweep.interval)
		if _, err := m.cron.AddFunc(spec, func() { run(m.ctx) }); err != nil {
			return fmt.Errorf("register %s sweep: %w", sweep.name, err)
		}
	}

	m.cron.Start()
	slog.Info("Monitor started",
		"pending_interval", m.settings.PendingInterval,
		"schedule_interval", m.settings.ScheduleInterval,
		"stale_interval", m.settings.StaleInterval)
	return nil
}

// Stop halts the sweeps and waits for in-flight job dispatches to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	m.wg.Wait()
	slog.Info("Monitor stopped")
}

// sweepPending dispatches a bounded batch of unlocked pending jobs, each
// in its own goroutine, staggered to reduce startup contention.
func (m *Monitor) sweepPending(ctx context.Context) {
	jobs, err := m.storage.PendingJobs(ctx, m.settings.PendingBatch)
	if err != nil {
		slog.Error("Pending sweep query failed", "error", err)
		return
	}

	for i, job := range jobs {
		if i > 0 && m.settings.DispatchStagger > 0 {
			select {
			case <-time.After(m.settings.DispatchStagger):
			case <-ctx.Done():
				return
			}
		}
		m.dispatch(ctx, job.ID)
	}
}

func (m *Monitor) dispatch(ctx context.Context, jobID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		err := m.processor.ProcessJob(ctx, jobID)
		if err == nil {
			return
		}
		// Losing the claim race is routine, not an error
		if errors.Is(err, ErrJobAlreadyClaimed) || errors.Is(err, ErrJobAlreadyProcessing) {
			slog.Debug("Job claimed elsewhere", "job_id", jobID)
			return
		}
		slog.Error("Job processing failed", "job_id", jobID, "error", err)
	}()
}

// sweepScheduled promotes due scheduled jobs to pending and computes their
// next run. Actual processing is left to the pending sweep.
func (m *Monitor) sweepScheduled(ctx context.Context) {
	now := m.now()
	jobs, err := m.storage.DueScheduledJobs(ctx, now, m.settings.PendingBatch)
	if err != nil {
		slog.Error("Schedule sweep query failed", "error", err)
		return
	}

	for _, job := range jobs {
		next := NextRun(job.ScheduleKind, now)
		if err := m.storage.MarkJobPending(ctx, job.ID, next); err != nil {
			slog.Error("Failed to promote scheduled job", "job_id", job.ID, "error", err)
			continue
		}
		slog.Info("Scheduled job promoted", "job_id", job.ID, "next_run_at", next)
	}
}

// sweepStale fails running jobs whose lock has outlived the staleness
// window. There is no automatic re-queue; resubmission is an external
// decision.
func (m *Monitor) sweepStale(ctx context.Context) {
	now := m.now()
	cutoff := now.Add(-m.settings.StaleLockAfter)

	reclaimed, err := m.storage.ReclaimStaleJobs(ctx, cutoff, staleLockMessage, now)
	if err != nil {
		slog.Error("Stale sweep failed", "error", err)
		return
	}
	if reclaimed > 0 {
		slog.Warn("Reclaimed stale job locks", "count", reclaimed, "cutoff", cutoff)
	}
}

// TriggerUser synchronously processes a bounded batch of the caller's
// unlocked pending jobs and reports a per-job result.
func (m *Monitor) TriggerUser(ctx context.Context, userID string) ([]TriggerResult, error) {
	jobs, err := m.storage.PendingJobsForUser(ctx, userID, m.settings.PendingBatch)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs for user %s: %w", userID, err)
	}

	results := make([]TriggerResult, 0, len(jobs))
	for _, job := range jobs {
		result := TriggerResult{JobID: job.ID, Success: true}
		if err := m.processor.ProcessJob(ctx, job.ID); err != nil {
			result.Success = false
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results, nil
}

// NextRun computes the next occurrence for a schedule kind from a point in
// time. One-time schedules have no next run.
func NextRun(kind ScheduleKind, from time.Time) *time.Time {
	var next time.Time
	switch kind {
	case ScheduleHourly:
		next = from.Add(time.Hour)
	case ScheduleDaily:
		next = from.AddDate(0, 0, 1)
	case ScheduleWeekly:
		next = from.AddDate(0, 0, 7)
	case ScheduleMonthly:
		next = from.AddDate(0, 1, 0)
	default:
		return nil
	}
	return &next
}
