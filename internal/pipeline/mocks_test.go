package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStorage is an in-memory Storage used by pipeline tests. It mirrors
// the semantics of the SQLite implementation, including the conditional
// claim and lock clearing.
type memStorage struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	submissions []*Submission
	accounts    map[string][]*ServiceAccount
	quota       map[string]*QuotaUsage
	nextSubID   int64
}

func newMemStorage() *memStorage {
	return &memStorage{
		jobs:     make(map[string]*Job),
		accounts: make(map[string][]*ServiceAccount),
		quota:    make(map[string]*QuotaUsage),
	}
}

func (m *memStorage) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memStorage) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	copied := *job
	return &copied, nil
}

func (m *memStorage) ClaimJob(_ context.Context, jobID, workerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != JobPending {
		return false, nil
	}
	job.Status = JobRunning
	at := now
	job.LockedAt = &at
	job.LockedBy = workerID
	return true, nil
}

func (m *memStorage) StartJobRun(_ context.Context, jobID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.TotalURLs, job.ProcessedURLs, job.SuccessfulURLs, job.FailedURLs = 0, 0, 0, 0
	job.ProgressPercentage = 0
	at := now
	job.StartedAt = &at
	job.CompletedAt = nil
	job.ErrorMessage = ""
	return nil
}

func (m *memStorage) SetJobTotals(_ context.Context, jobID string, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].TotalURLs = total
	return nil
}

func (m *memStorage) UpdateJobProgress(_ context.Context, jobID string, processed, successful, failed int, percentage float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.ProcessedURLs = processed
	job.SuccessfulURLs = successful
	job.FailedURLs = failed
	job.ProgressPercentage = percentage
	return nil
}

func (m *memStorage) FinishJob(_ context.Context, jobID string, status JobStatus, errorMessage string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.Status = status
	job.ErrorMessage = errorMessage
	at := now
	job.CompletedAt = &at
	job.LockedAt = nil
	job.LockedBy = ""
	return nil
}

func (m *memStorage) PendingJobs(_ context.Context, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []*Job
	for _, job := range m.jobs {
		if job.Status == JobPending && job.LockedAt == nil {
			copied := *job
			jobs = append(jobs, &copied)
			if len(jobs) == limit {
				break
			}
		}
	}
	return jobs, nil
}

func (m *memStorage) PendingJobsForUser(_ context.Context, userID string, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []*Job
	for _, job := range m.jobs {
		if job.UserID == userID && job.Status == JobPending && job.LockedAt == nil {
			copied := *job
			jobs = append(jobs, &copied)
			if len(jobs) == limit {
				break
			}
		}
	}
	return jobs, nil
}

func (m *memStorage) DueScheduledJobs(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []*Job
	for _, job := range m.jobs {
		if job.Status == JobScheduled && job.LockedAt == nil &&
			job.NextRunAt != nil && !job.NextRunAt.After(now) {
			copied := *job
			jobs = append(jobs, &copied)
			if len(jobs) == limit {
				break
			}
		}
	}
	return jobs, nil
}

func (m *memStorage) MarkJobPending(_ context.Context, jobID string, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	if job.Status != JobScheduled {
		return nil
	}
	job.Status = JobPending
	job.NextRunAt = nextRunAt
	return nil
}

func (m *memStorage) ReclaimStaleJobs(_ context.Context, lockedBefore time.Time, errorMessage string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reclaimed := 0
	for _, job := range m.jobs {
		if job.Status == JobRunning && job.LockedAt != nil && job.LockedAt.Before(lockedBefore) {
			job.Status = JobFailed
			job.ErrorMessage = errorMessage
			at := now
			job.CompletedAt = &at
			job.LockedAt = nil
			job.LockedBy = ""
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (m *memStorage) CreateSubmissions(_ context.Context, jobID string, urls []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, url := range urls {
		m.nextSubID++
		m.submissions = append(m.submissions, &Submission{
			ID:        m.nextSubID,
			JobID:     jobID,
			URL:       url,
			Status:    SubmissionPending,
			CreatedAt: now,
		})
	}
	return nil
}

func (m *memStorage) PendingSubmissions(_ context.Context, jobID string) ([]*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*Submission
	for _, sub := range m.submissions {
		if sub.JobID == jobID && sub.Status == SubmissionPending {
			copied := *sub
			pending = append(pending, &copied)
		}
	}
	return pending, nil
}

func (m *memStorage) MarkSubmissionSubmitted(_ context.Context, id int64, accountID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.submissions {
		if sub.ID == id {
			sub.Status = SubmissionSubmitted
			sub.ServiceAccountID = accountID
			t := at
			sub.SubmittedAt = &t
			sub.ErrorMessage = ""
		}
	}
	return nil
}

func (m *memStorage) MarkSubmissionFailed(_ context.Context, id int64, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.submissions {
		if sub.ID == id {
			sub.Status = SubmissionFailed
			sub.ErrorMessage = errorMessage
			sub.RetryCount++
		}
	}
	return nil
}

func (m *memStorage) CreateAccount(_ context.Context, account *ServiceAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *account
	m.accounts[account.UserID] = append(m.accounts[account.UserID], &copied)
	return nil
}

func (m *memStorage) ActiveAccounts(_ context.Context, userID string) ([]*ServiceAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []*ServiceAccount
	for _, account := range m.accounts[userID] {
		if account.IsActive {
			copied := *account
			active = append(active, &copied)
		}
	}
	return active, nil
}

func (m *memStorage) SaveAccountToken(_ context.Context, accountID string, sealedToken []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, accounts := range m.accounts {
		for _, account := range accounts {
			if account.ID == accountID {
				account.EncryptedAccessToken = sealedToken
				t := expiresAt
				account.AccessTokenExpiresAt = &t
			}
		}
	}
	return nil
}

func (m *memStorage) RecordQuotaUsage(_ context.Context, accountID, date string, made, successful, failed int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountID + "|" + date
	usage, ok := m.quota[key]
	if !ok {
		usage = &QuotaUsage{ServiceAccountID: accountID, Date: date}
		m.quota[key] = usage
	}
	usage.RequestsMade += made
	usage.RequestsSuccessful += successful
	usage.RequestsFailed += failed
	usage.LastRequestAt = at
	return nil
}

func (m *memStorage) QuotaUsageFor(_ context.Context, accountID, date string) (*QuotaUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	usage, ok := m.quota[accountID+"|"+date]
	if !ok {
		return nil, nil
	}
	copied := *usage
	return &copied, nil
}

func (m *memStorage) Close() error { return nil }

// submissionsFor returns the ledger rows for a job in creation order.
func (m *memStorage) submissionsFor(jobID string) []*Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []*Submission
	for _, sub := range m.submissions {
		if sub.JobID == jobID {
			copied := *sub
			subs = append(subs, &copied)
		}
	}
	return subs
}

// stubResolver returns a fixed URL list or error.
type stubResolver struct {
	urls []string
	err  error
}

func (r *stubResolver) Resolve(context.Context, *Job) ([]string, error) {
	return r.urls, r.err
}

// stubSubmitter records submitted URLs and fails the configured ones.
type stubSubmitter struct {
	mu        sync.Mutex
	submitted []string
	tokens    []string
	failURLs  map[string]error
}

func (s *stubSubmitter) Submit(_ context.Context, url, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, url)
	s.tokens = append(s.tokens, token)
	if err, ok := s.failURLs[url]; ok {
		return err
	}
	return nil
}

// stubTokens hands out one token per account, with per-account failures.
type stubTokens struct {
	mu       sync.Mutex
	requests []string
	failIDs  map[string]error
}

func (s *stubTokens) Token(_ context.Context, account *ServiceAccount) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, account.ID)
	if err, ok := s.failIDs[account.ID]; ok {
		return "", err
	}
	return "token-" + account.ID, nil
}

// recordingNotifier captures every event in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (n *recordingNotifier) Notify(_, _ string, event ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) all() []ProgressEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ProgressEvent(nil), n.events...)
}

// recordingProcessor stands in for the orchestrator in monitor tests.
type recordingProcessor struct {
	mu     sync.Mutex
	jobIDs []string
	err    error
}

func (p *recordingProcessor) ProcessJob(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobIDs = append(p.jobIDs, jobID)
	return p.err
}

func (p *recordingProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.jobIDs...)
}
