package pipeline

import (
	"context"
	"time"
)

// Storage handles durable state for jobs, submissions, accounts and quota.
type Storage interface {
	// Job management
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ClaimJob(ctx context.Context, jobID, workerID string, now time.Time) (bool, error)
	StartJobRun(ctx context.Context, jobID string, now time.Time) error
	SetJobTotals(ctx context.Context, jobID string, total int) error
	UpdateJobProgress(ctx context.Context, jobID string, processed, successful, failed int, percentage float64) error
	FinishJob(ctx context.Context, jobID string, status JobStatus, errorMessage string, now time.Time) error

	// Sweep queries
	PendingJobs(ctx context.Context, limit int) ([]*Job, error)
	PendingJobsForUser(ctx context.Context, userID string, limit int) ([]*Job, error)
	DueScheduledJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	MarkJobPending(ctx context.Context, jobID string, nextRunAt *time.Time) error
	ReclaimStaleJobs(ctx context.Context, lockedBefore time.Time, errorMessage string, now time.Time) (int, error)

	// Submission ledger
	CreateSubmissions(ctx context.Context, jobID string, urls []string) error
	PendingSubmissions(ctx context.Context, jobID string) ([]*Submission, error)
	MarkSubmissionSubmitted(ctx context.Context, id int64, accountID string, at time.Time) error
	MarkSubmissionFailed(ctx context.Context, id int64, errorMessage string) error

	// Service accounts
	CreateAccount(ctx context.Context, account *ServiceAccount) error
	ActiveAccounts(ctx context.Context, userID string) ([]*ServiceAccount, error)
	SaveAccountToken(ctx context.Context, accountID string, sealedToken []byte, expiresAt time.Time) error

	// Quota tracking
	RecordQuotaUsage(ctx context.Context, accountID, date string, made, successful, failed int, at time.Time) error
	QuotaUsageFor(ctx context.Context, accountID, date string) (*QuotaUsage, error)

	// Database lifecycle
	Close() error
}

// Resolver expands a job's declared source into a flat sequence of URLs.
type Resolver interface {
	Resolve(ctx context.Context, job *Job) ([]string, error)
}

// Submitter sends one URL to the external indexing API.
type Submitter interface {
	Submit(ctx context.Context, url, token string) error
}

// TokenSource returns a usable bearer token for a service account.
type TokenSource interface {
	Token(ctx context.Context, account *ServiceAccount) (string, error)
}

// SecretBox seals and opens stored secrets.
type SecretBox interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Notifier delivers job progress events to observers. Delivery is
// fire-and-forget; implementations must not block the submission loop.
type Notifier interface {
	Notify(userID, jobID string, event ProgressEvent)
}

// JobProcessor drives one job through its run. Implemented by Orchestrator.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) error
}
