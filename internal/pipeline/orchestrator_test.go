package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestOrchestrator(storage Storage, resolver Resolver, submitter Submitter, tokens TokenSource, notifier Notifier) *Orchestrator {
	o := NewOrchestrator(storage, resolver, submitter, tokens, notifier, time.Millisecond)
	o.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return o
}

func seedPendingJob(t *testing.T, storage *memStorage, job *Job) {
	t.Helper()
	if job.Status == "" {
		job.Status = JobPending
	}
	if err := storage.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
}

func seedAccount(t *testing.T, storage *memStorage, account *ServiceAccount) {
	t.Helper()
	if err := storage.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
}

func TestProcessJobManualSuccess(t *testing.T) {
	storage := newMemStorage()
	seedPendingJob(t, storage, &Job{
		ID:         "job-1",
		UserID:     "user-1",
		SourceKind: SourceManual,
		SourceURLs: []string{"https://example.com/a", "https://example.com/b"},
	})
	seedAccount(t, storage, &ServiceAccount{ID: "acct-1", UserID: "user-1", IsActive: true, DailyQuotaLimit: 200})

	submitter := &stubSubmitter{}
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(storage, &stubResolver{urls: []string{"https://example.com/a", "https://example.com/b"}}, submitter, &stubTokens{}, notifier)

	if err := o.ProcessJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}

	job, _ := storage.GetJob(context.Background(), "job-1")
	if job.Status != JobCompleted {
		t.Errorf("Expected status %s, got %s", JobCompleted, job.Status)
	}
	if job.TotalURLs != 2 || job.ProcessedURLs != 2 || job.SuccessfulURLs != 2 || job.FailedURLs != 0 {
		t.Errorf("Unexpected counters: total=%d processed=%d successful=%d failed=%d",
			job.TotalURLs, job.ProcessedURLs, job.SuccessfulURLs, job.FailedURLs)
	}
	if job.ProgressPercentage != 100 {
		t.Errorf("Expected 100%% progress, got %f", job.ProgressPercentage)
	}
	if job.LockedAt != nil || job.LockedBy != "" {
		t.Error("Expected lock to be cleared after completion")
	}
	if job.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}

	subs := storage.submissionsFor("job-1")
	if len(subs) != 2 {
		t.Fatalf("Expected 2 submissions, got %d", len(subs))
	}
	for _, sub := range subs {
		if sub.Status != SubmissionSubmitted {
			t.Errorf("Submission %s: expected status %s, got %s", sub.URL, SubmissionSubmitted, sub.Status)
		}
		if sub.ServiceAccountID != "acct-1" {
			t.Errorf("Submission %s: expected account acct-1, got %q", sub.URL, sub.ServiceAccountID)
		}
		if sub.SubmittedAt == nil {
			t.Errorf("Submission %s: expected submitted_at to be set", sub.URL)
		}
	}

	if len(submitter.submitted) != 2 {
		t.Errorf("Expected 2 submit calls, got %d", len(submitter.submitted))
	}

	usage, _ := storage.QuotaUsageFor(context.Background(), "acct-1", "2025-06-01")
	if usage == nil || usage.RequestsMade != 2 || usage.RequestsSuccessful != 2 {
		t.Errorf("Unexpected quota usage: %+v", usage)
	}

	events := notifier.all()
	if len(events) != 3 {
		t.Fatalf("Expected 3 progress events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ProcessedURLs < events[i-1].ProcessedURLs {
			t.Error("Progress must be monotonic across events")
		}
	}
	last := events[len(events)-1]
	if last.Status != JobCompleted || last.ProgressPercentage != 100 {
		t.Errorf("Unexpected final event: %+v", last)
	}
}

func TestProcessJobPartialFailure(t *testing.T) {
	storage := newMemStorage()
	urls := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	seedPendingJob(t, storage, &Job{ID: "job-1", UserID: "user-1", SourceKind: SourceManual, SourceURLs: urls})
	seedAccount(t, storage, &ServiceAccount{ID: "acct-1", UserID: "user-1", IsActive: true})

	submitter := &stubSubmitter{failURLs: map[string]error{
		"https://example.com/b": errors.New("indexing API error (status 403): quota exceeded"),
	}}
	o := newTestOrchestrator(storage, &stubResolver{urls: urls}, submitter, &stubTokens{}, NoopNotifier{})

	if err := o.ProcessJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}

	job, _ := storage.GetJob(context.Background(), "job-1")
	if job.Status != JobCompleted {
		t.Errorf("Per-URL failures must not fail the job, got status %s", job.Status)
	}
	if job.SuccessfulURLs != 2 || job.FailedURLs != 1 {
		t.Errorf("Expected 2 successful and 1 failed, got %d/%d", job.SuccessfulURLs, job.FailedURLs)
	}
	if job.ProcessedURLs != job.SuccessfulURLs+job.FailedURLs {
		t.Error("processed must equal successful+failed")
	}

	for _, sub := range storage.submissionsFor("job-1") {
		if sub.URL == "https://example.com/b" {
			if sub.Status != SubmissionFailed || sub.ErrorMessage == "" || sub.RetryCount != 1 {
				t.Errorf("Unexpected failed submission state: %+v", sub)
			}
		} else if sub.Status != SubmissionSubmitted {
			t.Errorf("Submission %s: expected submitted, got %s", sub.URL, sub.Status)
		}
	}

	usage, _ := storage.QuotaUsageFor(context.Background(), "acct-1", "2025-06-01")
	if usage == nil || usage.RequestsMade != 3 || usage.RequestsSuccessful != 2 || usage.RequestsFailed != 1 {
		t.Errorf("Failed submissions must still consume quota: %+v", usage)
	}
}

func TestProcessJobClaimConflict(t *testing.T) {
	storage := newMemStorage()
	lockedAt := time.Now()
	seedPendingJob(t, storage, &Job{
		ID:         "job-1",
		UserID:     "user-1",
		SourceKind: SourceManual,
		Status:     JobRunning,
		LockedAt:   &lockedAt,
		LockedBy:   "other-worker",
	})

	o := newTestOrchestrator(storage, &stubResolver{}, &stubSubmitter{}, &stubTokens{}, NoopNotifier{})

	err := o.ProcessJob(context.Background(), "job-1")
	if !errors.Is(err, ErrJobAlreadyClaimed) {
		t.Fatalf("Expected ErrJobAlreadyClaimed, got %v", err)
	}

	job, _ := storage.GetJob(context.Background(), "job-1")
	if job.Status != JobRunning || job.LockedBy != "other-worker" {
		t.Error("A lost claim must leave the job untouched")
	}
}

func TestProcessJobInProcessGuard(t *testing.T) {
	storage := newMemStorage()
	o := newTestOrchestrator(storage, &stubResolver{}, &stubSubmitter{}, &stubTokens{}, NoopNotifier{})

	if !o.tryAcquire("job-1") {
		t.Fatal("First acquire must succeed")
	}
	err := o.ProcessJob(context.Background(), "job-1")
	if !errors.Is(err, ErrJobAlreadyProcessing) {
		t.Fatalf("Expected ErrJobAlreadyProcessing, got %v", err)
	}

	o.release("job-1")
	if !o.tryAcquire("job-1") {
		t.Error("Acquire must succeed again after release")
	}
}

func TestProcessJobNoURLs(t *testing.T) {
	storage := newMemStorage()
	seedPendingJob(t, storage, &Job{ID: "job-1", UserID: "user-1", SourceKind: SourceSitemap, SitemapURL: "https://example.com/sitemap.xml"})

	o := newTestOrchestrator(storage, &stubResolver{urls: nil}, &stubSubmitter{}, &stubTokens{}, NoopNotifier{})

	err := o.ProcessJob(context.Background(), "job-1")
	if !errors.Is(err, ErrNoURLs) {
		t.Fatalf("Expected ErrNoURLs, got %v", err)
	}

	job, _ := storage.GetJob(context.Background(), "job-1")
	if job.Status != JobFailed {
		t.Errorf("Expected status %s, got %s", JobFailed, job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "no URLs") {
		t.Errorf("Expected error message about missing URLs, got %q", job.ErrorMessage)
	}
	if job.LockedAt != nil {
		t.Error("Expected lock to be cleared after failure")
	}
}

func TestProcessJobExtractionFailure(t *testing.T) {
	storage := newMemStorage()
	seedPendingJob(t, storage, &Job{ID: "job-1", UserID: "user-1", SourceKind: SourceSitemap, SitemapURL: "https://example.com/sitemap.xml"})

	o := newTestOrchestrator(storage, &stubResolver{err: errors.New("fetch sitemap: unexpected status 404")}, &stubSubmitter{}, &stubTokens{}, NoopNotifier{})

	if err := o.ProcessJob(context.Background(), "job-1"); err == nil {
		t.Fatal("Expected extraction error")
	}

	job, _ := storage.GetJob(context.Background(), "job-1")
	if job.Status != JobFailed {
		t.Errorf("Expected status %s, got %s", JobFailed, job.Status)
	}
	if subs := storage.submissionsFor("job-1"); len(subs) != 0 {
		t.Errorf("Expected no ledger rows on extraction failure, got %d", len(subs))
	}
}

func TestProcessJobNoActiveAccounts(t *testing.T) {
	storage := newMemStorage()
	urls := []string{"https://example.com/a", "https://example.com/b"}
	seedPendingJob(t, storage, &Job{ID: "job-1", UserID: "user-1", SourceKind: SourceManual, SourceURLs: urls})

	o := newTestOrchestrator(storage, &stubResolver{urls: urls}, &stubSubmitter{}, &stubTokens{}, NoopNotifier{})

	err := o.ProcessJob(context.Background(), "job-1")
	if !errors.Is(err, ErrNoActiveAccounts) {
		t.Fatalf("Expected ErrNoActiveAccounts, got %v", err)
	}

	job, _ := storage.GetJob(context.Background(), "job-1")
	if job.Status != JobFailed {
		t.Errorf("Expected status %s, got %s", JobFailed, job.Status)
	}
	// Ledger rows are created before the account check and stay pending.
	subs := storage.submissionsFor("job-1")
	if len(subs) != 2 {
		t.Fatalf("Expected 2 ledger rows, got %d", len(subs))
	}
	for _, sub := range subs {
		if sub.Status != SubmissionPending {
			t.Errorf("Submission %s: expected pending, got %s", sub.URL, sub.Status)
		}
	}
}

func TestProcessJobAllTokensFail(t *testing.T) {
	storage := newMemStorage()
	urls := []string{"https://example.com/a", "https://example.com/b"}
	seedPendingJob(t, storage, &Job{ID: "job-1", UserID: "user-1", SourceKind: SourceManual, SourceURLs: urls})
	seedAccount(t, storage, &ServiceAccount{ID: "acct-1", UserID: "user-1", IsActive: true})

	tokens := &stubTokens{failIDs: map[string]error{"acct-1": errors.New("exchange token: unexpected status 401")}}
	o := newTestOrchestrator(storage, &stubResolver{urls: urls}, &stubSubmitter{}, tokens, NoopNotifier{})

	if err := o.ProcessJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}

	job, _ := storage.GetJob(context.Background(), "job-1")
	if job.Status != JobCompleted {
		t.Errorf("Account troubles are per-URL failures, expected completed, got %s", job.Status)
	}
	if job.FailedURLs != 2 || job.SuccessfulURLs != 0 {
		t.Errorf("Expected all URLs failed, got successful=%d failed=%d", job.SuccessfulURLs, job.FailedURLs)
	}
	for _, sub := range storage.submissionsFor("job-1") {
		if sub.Status != SubmissionFailed {
			t.Errorf("Submission %s: expected failed, got %s", sub.URL, sub.Status)
		}
		if !strings.Contains(sub.ErrorMessage, "no usable service account") {
			t.Errorf("Submission %s: unexpected error message %q", sub.URL, sub.ErrorMessage)
		}
	}
}

func TestProcessJobCancelledMidRun(t *testing.T) {
	storage := newMemStorage()
	urls := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	seedPendingJob(t, storage, &Job{ID: "job-1", UserID: "user-1", SourceKind: SourceManual, SourceURLs: urls})
	seedAccount(t, storage, &ServiceAccount{ID: "acct-1", UserID: "user-1", IsActive: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(storage, &stubResolver{urls: urls}, &stubSubmitter{}, &stubTokens{}, NoopNotifier{})

	if err := o.ProcessJob(ctx, "job-1"); err == nil {
		t.Fatal("Expected error from cancelled context")
	}

	// The lock must be released even though the run context is done.
	job, _ := storage.GetJob(context.Background(), "job-1")
	if job.LockedAt != nil || job.LockedBy != "" {
		t.Error("Expected lock to be released on cancellation")
	}
	if job.Status != JobFailed {
		t.Errorf("Expected status %s, got %s", JobFailed, job.Status)
	}
}
