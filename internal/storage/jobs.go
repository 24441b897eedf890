package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/masahif/indextadoru/internal/pipeline"
)

// jobColumns is the select list shared by all job queries.
const jobColumns = `
	id, user_id, name, source_kind, source_payload, status, schedule_kind,
	next_run_at, total_urls, processed_urls, successful_urls, failed_urls,
	progress_percentage, locked_at, locked_by, started_at, completed_at,
	error_message, created_at, updated_at`

// CreateJob inserts a new job. Manual source payloads are stored as a JSON
// URL array, sitemap payloads as the sitemap URL itself.
func (s *SQLiteStorage) CreateJob(ctx context.Context, job *pipeline.Job) error {
	payload, err := encodeSourcePayload(job)
	if err != nil {
		return err
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, user_id, name, source_kind, source_payload, status,
			schedule_kind, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.UserID, job.Name, string(job.SourceKind), payload,
		string(job.Status), string(job.ScheduleKind), nullTime(job.NextRunAt),
		job.CreatedAt, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimJob atomically transitions a pending job to running and stamps the
// lock fields. Zero rows affected means another worker won the race.
func (s *SQLiteStorage) ClaimJob(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'running', locked_at = ?, locked_by = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, workerID, now, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return affected == 1, nil
}

// StartJobRun resets progress counters and stamps started_at for a fresh run.
func (s *SQLiteStorage) StartJobRun(ctx context.Context, jobID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET total_urls = 0, processed_urls = 0, successful_urls = 0,
		    failed_urls = 0, progress_percentage = 0, started_at = ?,
		    completed_at = NULL, error_message = NULL, updated_at = ?
		WHERE id = ?
	`, now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to start job run: %w", err)
	}
	return nil
}

// SetJobTotals records the extracted URL count. This is the only point at
// which total_urls is set, once per run.
func (s *SQLiteStorage) SetJobTotals(ctx context.Context, jobID string, total int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET total_urls = ?, updated_at = ? WHERE id = ?
	`, total, time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to set job totals: %w", err)
	}
	return nil
}

// UpdateJobProgress writes the running counters after each processed URL.
func (s *SQLiteStorage) UpdateJobProgress(ctx context.Context, jobID string, processed, successful, failed int, percentage float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET processed_urls = ?, successful_urls = ?, failed_urls = ?,
		    progress_percentage = ?, updated_at = ?
		WHERE id = ?
	`, processed, successful, failed, percentage, time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// FinishJob writes the terminal status, stamps completed_at and clears the
// lock fields.
func (s *SQLiteStorage) FinishJob(ctx context.Context, jobID string, status pipeline.JobStatus, errorMessage string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error_message = ?, completed_at = ?,
		    locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ?
	`, string(status), nullString(errorMessage), now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

// PendingJobs returns a bounded batch of unlocked pending jobs, oldest first.
func (s *SQLiteStorage) PendingJobs(ctx context.Context, limit int) ([]*pipeline.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' AND locked_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
}

// PendingJobsForUser returns a bounded batch of one user's unlocked
// pending jobs, oldest first.
func (s *SQLiteStorage) PendingJobsForUser(ctx context.Context, userID string, limit int) ([]*pipeline.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = ? AND status = 'pending' AND locked_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`, userID, limit)
}

// DueScheduledJobs returns unlocked scheduled jobs whose next run is due.
func (s *SQLiteStorage) DueScheduledJobs(ctx context.Context, now time.Time, limit int) ([]*pipeline.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'scheduled' AND locked_at IS NULL
		  AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?
	`, now, limit)
}

// MarkJobPending promotes a scheduled job to pending and records its next
// occurrence (NULL for one-time schedules).
func (s *SQLiteStorage) MarkJobPending(ctx context.Context, jobID string, nextRunAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', next_run_at = ?, updated_at = ?
		WHERE id = ? AND status = 'scheduled'
	`, nullTime(nextRunAt), time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job pending: %w", err)
	}
	return nil
}

// ReclaimStaleJobs force-fails running jobs whose lock predates the cutoff
// and clears their lock fields. Returns the number of reclaimed jobs.
func (s *SQLiteStorage) ReclaimStaleJobs(ctx context.Context, lockedBefore time.Time, errorMessage string, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error_message = ?, completed_at = ?,
		    locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE status = 'running' AND locked_at IS NOT NULL AND locked_at < ?
	`, errorMessage, now, now, lockedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reclaim result: %w", err)
	}
	return int(affected), nil
}

func (s *SQLiteStorage) queryJobs(ctx context.Context, query string, args ...any) ([]*pipeline.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*pipeline.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*pipeline.Job, error) {
	var (
		job          pipeline.Job
		sourceKind   string
		payload      string
		status       string
		scheduleKind string
		nextRunAt    sql.NullTime
		lockedAt     sql.NullTime
		lockedBy     sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		errorMessage sql.NullString
	)

	err := row.Scan(
		&job.ID, &job.UserID, &job.Name, &sourceKind, &payload, &status,
		&scheduleKind, &nextRunAt, &job.TotalURLs, &job.ProcessedURLs,
		&job.SuccessfulURLs, &job.FailedURLs, &job.ProgressPercentage,
		&lockedAt, &lockedBy, &startedAt, &completedAt, &errorMessage,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.SourceKind = pipeline.SourceKind(sourceKind)
	job.Status = pipeline.JobStatus(status)
	job.ScheduleKind = pipeline.ScheduleKind(scheduleKind)
	job.NextRunAt = timePtr(nextRunAt)
	job.LockedAt = timePtr(lockedAt)
	job.LockedBy = lockedBy.String
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.ErrorMessage = errorMessage.String

	if err := decodeSourcePayload(&job, payload); err != nil {
		return nil, err
	}
	return &job, nil
}

func encodeSourcePayload(job *pipeline.Job) (string, error) {
	switch job.SourceKind {
	case pipeline.SourceManual:
		encoded, err := json.Marshal(job.SourceURLs)
		if err != nil {
			return "", fmt.Errorf("failed to encode source URLs: %w", err)
		}
		return string(encoded), nil
	case pipeline.SourceSitemap:
		return job.SitemapURL, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", job.SourceKind)
	}
}

func decodeSourcePayload(job *pipeline.Job, payload string) error {
	switch job.SourceKind {
	case pipeline.SourceManual:
		if err := json.Unmarshal([]byte(payload), &job.SourceURLs); err != nil {
			return fmt.Errorf("failed to decode source URLs: %w", err)
		}
	case pipeline.SourceSitemap:
		job.SitemapURL = payload
	}
	return nil
}
