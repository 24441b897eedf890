// Package pipeline implements the URL indexing job pipeline: claiming
// jobs for exclusive processing, expanding their URL sources, and driving
// rate-limited submissions across rotating service accounts with durable
// per-URL tracking.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Orchestrator owns the job state machine. One instance serves the whole
// process; concurrent ProcessJob calls for different jobs are fine, while
// a second call for the same job is rejected before touching storage.
type Orchestrator struct {
	storage   Storage
	resolver  Resolver
	submitter Submitter
	tokens    TokenSource
	notifier  Notifier

	// workerID identifies this process in job lock fields
	workerID string
	// submitDelay paces the per-URL submission loop
	submitDelay time.Duration

	active   map[string]struct{}
	activeMu sync.Mutex

	now func() time.Time
}

// NewOrchestrator creates an orchestrator with a fresh worker identity.
func NewOrchestrator(storage Storage, resolver Resolver, submitter Submitter, tokens TokenSource, notifier Notifier, submitDelay time.Duration) *Orchestrator {
	return &Orchestrator{
		storage:     storage,
		resolver:    resolver,
		submitter:   submitter,
		tokens:      tokens,
		notifier:    notifier,
		workerID:    uuid.NewString(),
		submitDelay: submitDelay,
		active:      make(map[string]struct{}),
		now:         time.Now,
	}
}

// WorkerID returns the opaque token written into job lock fields.
func (o *Orchestrator) WorkerID() string {
	return o.workerID
}

// ProcessJob drives one job from claim to terminal state. A claim lost to
// another worker returns ErrJobAlreadyClaimed and leaves storage untouched.
// Any error after a successful claim marks the job failed with the captured
// message and clears the lock.
func (o *Orchestrator) ProcessJob(ctx context.Context, jobID string) error {
	if !o.tryAcquire(jobID) {
		return fmt.Errorf("%w: %s", ErrJobAlreadyProcessing, jobID)
	}
	defer o.release(jobID)

	claimed, err := o.storage.ClaimJob(ctx, jobID, o.workerID, o.now())
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		return fmt.Errorf("%w: %s", ErrJobAlreadyClaimed, jobID)
	}

	job, err := o.storage.GetJob(ctx, jobID)
	if err != nil {
		// The claim succeeded but the job cannot be loaded; release the
		// lock with a failure so it is not left for the stale sweep.
		o.finalize(ctx, jobID, "", JobFailed, fmt.Sprintf("load job: %v", err), 0, 0)
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	slog.Info("Processing job", "job_id", job.ID, "user_id", job.UserID, "source", job.SourceKind, "worker_id", o.workerID)

	if err := o.run(ctx, job); err != nil {
		o.finalize(ctx, job.ID, job.UserID, JobFailed, err.Error(), job.ProcessedURLs, job.TotalURLs)
		return fmt.Errorf("process job %s: %w", jobID, err)
	}

	o.finalize(ctx, job.ID, job.UserID, JobCompleted, "", job.ProcessedURLs, job.TotalURLs)
	slog.Info("Job completed",
		"job_id", job.ID,
		"total", job.TotalURLs,
		"successful", job.SuccessfulURLs,
		"failed", job.FailedURLs)
	return nil
}

// run executes the claimed job: counter reset, extraction, ledger
// creation, then the per-URL submission loop. Errors are fatal to the job.
func (o *Orchestrator) run(ctx context.Context, job *Job) error {
	if err := o.storage.StartJobRun(ctx, job.ID, o.now()); err != nil {
		return fmt.Errorf("start job run: %w", err)
	}
	job.TotalURLs, job.ProcessedURLs, job.SuccessfulURLs, job.FailedURLs = 0, 0, 0, 0

	urls, err := o.resolver.Resolve(ctx, job)
	if err != nil {
		return fmt.Errorf("extract URLs: %w", err)
	}
	if len(urls) == 0 {
		return ErrNoURLs
	}

	if err := o.storage.CreateSubmissions(ctx, job.ID, urls); err != nil {
		return fmt.Errorf("create submission ledger: %w", err)
	}
	if err := o.storage.SetJobTotals(ctx, job.ID, len(urls)); err != nil {
		return fmt.Errorf("set job totals: %w", err)
	}
	job.TotalURLs = len(urls)

	accounts, err := o.storage.ActiveAccounts(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load service accounts: %w", err)
	}
	if len(accounts) == 0 {
		return ErrNoActiveAccounts
	}
	rotator := NewRotator(accounts, o.tokens, o.storage)

	pending, err := o.storage.PendingSubmissions(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load pending submissions: %w", err)
	}

	limiter := rate.NewLimiter(rate.Every(o.submitDelay), 1)
	for _, sub := range pending {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("shutdown requested: %w", err)
		}
		o.processSubmission(ctx, job, rotator, sub)
	}

	return nil
}

// processSubmission handles one ledger row. Failures here are soft: the
// row is marked failed and the job moves on.
func (o *Orchestrator) processSubmission(ctx context.Context, job *Job, rotator *Rotator, sub *Submission) {
	account, token, err := rotator.Lease(ctx, job.ProcessedURLs)
	switch {
	case err != nil:
		o.markFailed(ctx, job, sub, err.Error())
	default:
		if err := o.submitter.Submit(ctx, sub.URL, token); err != nil {
			o.markFailed(ctx, job, sub, err.Error())
			o.recordQuota(ctx, rotator, account.ID, false)
		} else {
			if err := o.storage.MarkSubmissionSubmitted(ctx, sub.ID, account.ID, o.now()); err != nil {
				slog.Error("Failed to mark submission submitted", "job_id", job.ID, "url", sub.URL, "error", err)
			}
			o.recordQuota(ctx, rotator, account.ID, true)
			job.SuccessfulURLs++
		}
	}

	job.ProcessedURLs++
	job.ProgressPercentage = progressPercentage(job.ProcessedURLs, job.TotalURLs)

	err = o.storage.UpdateJobProgress(ctx, job.ID, job.ProcessedURLs, job.SuccessfulURLs, job.FailedURLs, job.ProgressPercentage)
	if err != nil {
		slog.Error("Failed to update job progress", "job_id", job.ID, "error", err)
	}

	o.notifier.Notify(job.UserID, job.ID, ProgressEvent{
		Status:             JobRunning,
		ProgressPercentage: job.ProgressPercentage,
		ProcessedURLs:      job.ProcessedURLs,
		TotalURLs:          job.TotalURLs,
	})
}

func (o *Orchestrator) markFailed(ctx context.Context, job *Job, sub *Submission, message string) {
	if err := o.storage.MarkSubmissionFailed(ctx, sub.ID, message); err != nil {
		slog.Error("Failed to mark submission failed", "job_id", job.ID, "url", sub.URL, "error", err)
	}
	job.FailedURLs++
}

func (o *Orchestrator) recordQuota(ctx context.Context, rotator *Rotator, accountID string, success bool) {
	if err := rotator.Record(ctx, accountID, success); err != nil {
		slog.Error("Failed to record quota usage", "account_id", accountID, "error", err)
	}
}

// finalize writes the terminal status, clears the lock and emits the final
// progress event. Finalization uses a background context so a cancelled
// run still releases its lock.
func (o *Orchestrator) finalize(ctx context.Context, jobID, userID string, status JobStatus, message string, processed, total int) {
	finishCtx := ctx
	if finishCtx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if err := o.storage.FinishJob(finishCtx, jobID, status, message, o.now()); err != nil {
		slog.Error("Failed to finalize job", "job_id", jobID, "status", status, "error", err)
	}

	if userID != "" {
		o.notifier.Notify(userID, jobID, ProgressEvent{
			Status:             status,
			ProgressPercentage: progressPercentage(processed, total),
			ProcessedURLs:      processed,
			TotalURLs:          total,
		})
	}
}

func (o *Orchestrator) tryAcquire(jobID string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()

	if _, busy := o.active[jobID]; busy {
		return false
	}
	o.active[jobID] = struct{}{}
	return true
}

func (o *Orchestrator) release(jobID string) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	delete(o.active, jobID)
}
