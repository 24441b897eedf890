package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Rotator spreads a job's submissions across the owning user's active
// service accounts. Selection is round-robin by processed-count modulo
// account-count; accounts that cannot produce a token or are out of quota
// are skipped for the current URL without aborting the job.
type Rotator struct {
	accounts []*ServiceAccount
	tokens   TokenSource
	storage  Storage

	// Per-account minute limiters, keyed by account ID
	minute map[string]*rate.Limiter

	now func() time.Time
}

// NewRotator creates a rotator over the given accounts. The slice must be
// non-empty; the orchestrator checks this before constructing one.
func NewRotator(accounts []*ServiceAccount, tokens TokenSource, storage Storage) *Rotator {
	r := &Rotator{
		accounts: accounts,
		tokens:   tokens,
		storage:  storage,
		minute:   make(map[string]*rate.Limiter, len(accounts)),
		now:      time.Now,
	}
	for _, a := range accounts {
		r.minute[a.ID] = newMinuteLimiter(a.MinuteQuotaLimit)
	}
	return r
}

// newMinuteLimiter converts a per-minute request allowance into a token
// bucket. A non-positive limit means unlimited.
func newMinuteLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
}

// Lease returns an account and bearer token for the i-th URL. It starts at
// the round-robin slot for i and falls through to subsequent accounts when
// one is out of quota or cannot produce a token. A full cycle with no
// usable account returns ErrNoUsableAccount.
func (r *Rotator) Lease(ctx context.Context, i int) (*ServiceAccount, string, error) {
	for n := 0; n < len(r.accounts); n++ {
		account := r.accounts[(i+n)%len(r.accounts)]

		if !r.withinDailyQuota(ctx, account) {
			slog.Debug("Account over daily quota, skipping", "account_id", account.ID)
			continue
		}
		if !r.minute[account.ID].Allow() {
			slog.Debug("Account over minute quota, skipping", "account_id", account.ID)
			continue
		}

		token, err := r.tokens.Token(ctx, account)
		if err != nil {
			slog.Warn("No token available for account, skipping", "account_id", account.ID, "error", err)
			continue
		}
		return account, token, nil
	}
	return nil, "", fmt.Errorf("%w for this URL", ErrNoUsableAccount)
}

// withinDailyQuota checks today's recorded usage against the account's
// daily allowance. Missing usage rows count as zero.
func (r *Rotator) withinDailyQuota(ctx context.Context, account *ServiceAccount) bool {
	if account.DailyQuotaLimit <= 0 {
		return true
	}

	usage, err := r.storage.QuotaUsageFor(ctx, account.ID, r.now().UTC().Format(quotaDateLayout))
	if err != nil {
		slog.Warn("Failed to read quota usage, allowing request", "account_id", account.ID, "error", err)
		return true
	}
	if usage == nil {
		return true
	}
	return usage.RequestsMade < account.DailyQuotaLimit
}

// Record upserts today's quota usage for the account. A failed submission
// still consumes quota.
func (r *Rotator) Record(ctx context.Context, accountID string, success bool) error {
	successful, failed := 0, 1
	if success {
		successful, failed = 1, 0
	}

	now := r.now().UTC()
	err := r.storage.RecordQuotaUsage(ctx, accountID, now.Format(quotaDateLayout), 1, successful, failed, now)
	if err != nil {
		return fmt.Errorf("record quota usage for account %s: %w", accountID, err)
	}
	return nil
}
