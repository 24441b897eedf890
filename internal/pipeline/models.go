package pipeline

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job lifecycle states.
const (
	JobScheduled JobStatus = "scheduled"
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPaused    JobStatus = "paused"
	JobCancelled JobStatus = "cancelled"
)

// SourceKind describes how a job's target URLs are declared.
type SourceKind string

// Supported source kinds.
const (
	SourceManual  SourceKind = "manual"
	SourceSitemap SourceKind = "sitemap"
)

// ScheduleKind describes how a job recurs.
type ScheduleKind string

// Supported schedule kinds.
const (
	ScheduleOneTime ScheduleKind = "one_time"
	ScheduleHourly  ScheduleKind = "hourly"
	ScheduleDaily   ScheduleKind = "daily"
	ScheduleWeekly  ScheduleKind = "weekly"
	ScheduleMonthly ScheduleKind = "monthly"
)

// Job is one user-requested batch of URLs to submit for indexing.
type Job struct {
	ID         string
	UserID     string
	Name       string
	SourceKind SourceKind
	SourceURLs []string // Explicit URL list when SourceKind is manual
	SitemapURL string   // Sitemap location when SourceKind is sitemap

	Status       JobStatus
	ScheduleKind ScheduleKind
	NextRunAt    *time.Time

	TotalURLs          int
	ProcessedURLs      int
	SuccessfulURLs     int
	FailedURLs         int
	ProgressPercentage float64

	// Lock fields are set while a worker owns the job and cleared otherwise
	LockedAt *time.Time
	LockedBy string

	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubmissionStatus is the lifecycle state of a single URL submission.
type SubmissionStatus string

// URL submission states.
const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionIndexed   SubmissionStatus = "indexed"
	SubmissionFailed    SubmissionStatus = "failed"
	SubmissionSkipped   SubmissionStatus = "skipped"
)

// Submission is the per-URL tracking record within a job. Rows are created
// in bulk after extraction and only ever updated, never deleted.
type Submission struct {
	ID               int64
	JobID            string
	URL              string
	Status           SubmissionStatus
	ServiceAccountID string // Empty until an account is chosen
	SubmittedAt      *time.Time
	IndexedAt        *time.Time
	ErrorMessage     string
	RetryCount       int
	CreatedAt        time.Time
}

// ServiceAccount is a credential set used against the indexing API,
// with its own quota. Many accounts may serve one user's jobs.
type ServiceAccount struct {
	ID                   string
	UserID               string
	Name                 string
	EncryptedCredentials []byte
	IsActive             bool
	DailyQuotaLimit      int
	MinuteQuotaLimit     int

	// Cached short-lived bearer token, sealed at rest
	EncryptedAccessToken []byte
	AccessTokenExpiresAt *time.Time

	CreatedAt time.Time
}

// QuotaUsage tracks request counts for one service account on one calendar
// date. Counters only increase within a day.
type QuotaUsage struct {
	ServiceAccountID   string
	Date               string // "2006-01-02"
	RequestsMade       int
	RequestsSuccessful int
	RequestsFailed     int
	LastRequestAt      time.Time
}

// ProgressEvent carries job progress to observers.
type ProgressEvent struct {
	Status             JobStatus
	ProgressPercentage float64
	ProcessedURLs      int
	TotalURLs          int
}

// TriggerResult is the per-job outcome of a manual trigger.
type TriggerResult struct {
	JobID   string
	Success bool
	Error   string
}

// quotaDateLayout is the calendar-date layout used for quota keys.
const quotaDateLayout = "2006-01-02"

// progressPercentage computes processed/total*100, guarding empty jobs.
func progressPercentage(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(processed) / float64(total) * 100
}
