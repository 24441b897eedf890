package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/masahif/indextadoru/internal/pipeline"
)

// CreateAccount inserts a new service account.
func (s *SQLiteStorage) CreateAccount(ctx context.Context, account *pipeline.ServiceAccount) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_accounts (
			id, user_id, name, encrypted_credentials, is_active,
			daily_quota_limit, minute_quota_limit, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		account.ID, account.UserID, account.Name, account.EncryptedCredentials,
		account.IsActive, account.DailyQuotaLimit, account.MinuteQuotaLimit,
		account.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create service account: %w", err)
	}
	return nil
}

// ActiveAccounts returns a user's active service accounts in creation
// order, so round-robin assignment is stable across runs.
func (s *SQLiteStorage) ActiveAccounts(ctx context.Context, userID string) ([]*pipeline.ServiceAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, encrypted_credentials, is_active,
		       daily_quota_limit, minute_quota_limit, encrypted_access_token,
		       access_token_expires_at, created_at
		FROM service_accounts
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query service accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*pipeline.ServiceAccount
	for rows.Next() {
		var (
			account   pipeline.ServiceAccount
			expiresAt sql.NullTime
		)
		err := rows.Scan(
			&account.ID, &account.UserID, &account.Name,
			&account.EncryptedCredentials, &account.IsActive,
			&account.DailyQuotaLimit, &account.MinuteQuotaLimit,
			&account.EncryptedAccessToken, &expiresAt, &account.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service account: %w", err)
		}
		account.AccessTokenExpiresAt = timePtr(expiresAt)
		accounts = append(accounts, &account)
	}
	return accounts, rows.Err()
}

// SaveAccountToken persists a freshly sealed access token with its expiry.
func (s *SQLiteStorage) SaveAccountToken(ctx context.Context, accountID string, sealedToken []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_accounts
		SET encrypted_access_token = ?, access_token_expires_at = ?
		WHERE id = ?
	`, sealedToken, expiresAt, accountID)
	if err != nil {
		return fmt.Errorf("failed to save account token: %w", err)
	}
	return nil
}

// RecordQuotaUsage upserts one day's usage for an account. Counters are
// additive; a row is never replaced, so concurrent increments from
// separate jobs accumulate.
func (s *SQLiteStorage) RecordQuotaUsage(ctx context.Context, accountID, date string, made, successful, failed int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_usage (
			service_account_id, usage_date, requests_made,
			requests_successful, requests_failed, last_request_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(service_account_id, usage_date) DO UPDATE SET
			requests_made = requests_made + excluded.requests_made,
			requests_successful = requests_successful + excluded.requests_successful,
			requests_failed = requests_failed + excluded.requests_failed,
			last_request_at = excluded.last_request_at
	`, accountID, date, made, successful, failed, at)
	if err != nil {
		return fmt.Errorf("failed to record quota usage: %w", err)
	}
	return nil
}

// QuotaUsageFor returns one day's usage for an account, or nil when no
// requests were recorded that day.
func (s *SQLiteStorage) QuotaUsageFor(ctx context.Context, accountID, date string) (*pipeline.QuotaUsage, error) {
	var (
		usage         pipeline.QuotaUsage
		lastRequestAt sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT service_account_id, usage_date, requests_made,
		       requests_successful, requests_failed, last_request_at
		FROM quota_usage
		WHERE service_account_id = ? AND usage_date = ?
	`, accountID, date).Scan(
		&usage.ServiceAccountID, &usage.Date, &usage.RequestsMade,
		&usage.RequestsSuccessful, &usage.RequestsFailed, &lastRequestAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota usage: %w", err)
	}

	if lastRequestAt.Valid {
		usage.LastRequestAt = lastRequestAt.Time
	}
	return &usage, nil
}
