package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/masahif/indextadoru/internal/pipeline"
)

// submissionBatchSize is how many ledger rows are written per INSERT.
const submissionBatchSize = 100

// CreateSubmissions bulk-inserts one pending ledger row per URL, batched
// to respect SQLite's bound-parameter limits. Rows preserve extraction
// order; duplicates are inserted as-is.
func (s *SQLiteStorage) CreateSubmissions(ctx context.Context, jobID string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for start := 0; start < len(urls); start += submissionBatchSize {
		end := start + submissionBatchSize
		if end > len(urls) {
			end = len(urls)
		}
		batch := urls[start:end]

		placeholders := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*3)
		for _, url := range batch {
			placeholders = append(placeholders, "(?, ?, 'pending', ?)")
			args = append(args, jobID, url, now)
		}

		query := "INSERT INTO url_submissions (job_id, url, status, created_at) VALUES " +
			strings.Join(placeholders, ", ")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert submissions: %w", err)
		}
	}

	return tx.Commit()
}

// PendingSubmissions returns the job's pending ledger rows in creation
// order. This is the authoritative work queue the orchestrator drains.
func (s *SQLiteStorage) PendingSubmissions(ctx context.Context, jobID string) ([]*pipeline.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, url, status, service_account_id, submitted_at,
		       indexed_at, error_message, retry_count, created_at
		FROM url_submissions
		WHERE job_id = ? AND status = 'pending'
		ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var submissions []*pipeline.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		submissions = append(submissions, sub)
	}
	return submissions, rows.Err()
}

// MarkSubmissionSubmitted records a successful submission with the
// winning service account.
func (s *SQLiteStorage) MarkSubmissionSubmitted(ctx context.Context, id int64, accountID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE url_submissions
		SET status = 'submitted', service_account_id = ?, submitted_at = ?,
		    error_message = NULL
		WHERE id = ?
	`, accountID, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark submission submitted: %w", err)
	}
	return nil
}

// MarkSubmissionFailed records a failed attempt and increments the retry
// counter. The row is kept as part of the audit trail.
func (s *SQLiteStorage) MarkSubmissionFailed(ctx context.Context, id int64, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE url_submissions
		SET status = 'failed', error_message = ?, retry_count = retry_count + 1
		WHERE id = ?
	`, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to mark submission failed: %w", err)
	}
	return nil
}

func scanSubmission(row rowScanner) (*pipeline.Submission, error) {
	var (
		sub          pipeline.Submission
		status       string
		accountID    sql.NullString
		submittedAt  sql.NullTime
		indexedAt    sql.NullTime
		errorMessage sql.NullString
	)

	err := row.Scan(
		&sub.ID, &sub.JobID, &sub.URL, &status, &accountID, &submittedAt,
		&indexedAt, &errorMessage, &sub.RetryCount, &sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = pipeline.SubmissionStatus(status)
	sub.ServiceAccountID = accountID.String
	sub.SubmittedAt = timePtr(submittedAt)
	sub.IndexedAt = timePtr(indexedAt)
	sub.ErrorMessage = errorMessage.String
	return &sub, nil
}

// SubmissionsByStatus counts a job's ledger rows per status. Used by
// reporting and tests.
func (s *SQLiteStorage) SubmissionsByStatus(ctx context.Context, jobID string) (map[pipeline.SubmissionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM url_submissions
		WHERE job_id = ?
		GROUP BY status
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to count submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[pipeline.SubmissionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan submission count: %w", err)
		}
		counts[pipeline.SubmissionStatus(status)] = count
	}
	return counts, rows.Err()
}
