package storage

const schemaSQL = `
-- Jobs table: one row per user-requested indexing batch.
-- status drives the lifecycle: scheduled -> pending -> running -> completed/failed,
-- with paused/cancelled set externally between runs.
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    source_kind TEXT NOT NULL CHECK (source_kind IN ('manual', 'sitemap')),
    source_payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('scheduled', 'pending', 'running', 'completed', 'failed', 'paused', 'cancelled')),
    schedule_kind TEXT NOT NULL DEFAULT 'one_time'
        CHECK (schedule_kind IN ('one_time', 'hourly', 'daily', 'weekly', 'monthly')),
    next_run_at DATETIME,

    -- Progress counters; processed = successful + failed at all times
    total_urls INTEGER NOT NULL DEFAULT 0,
    processed_urls INTEGER NOT NULL DEFAULT 0,
    successful_urls INTEGER NOT NULL DEFAULT 0,
    failed_urls INTEGER NOT NULL DEFAULT 0,
    progress_percentage REAL NOT NULL DEFAULT 0,

    -- Lock fields, set iff a worker owns the job
    locked_at DATETIME,
    locked_by TEXT,

    started_at DATETIME,
    completed_at DATETIME,
    error_message TEXT,

    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs(user_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON jobs(next_run_at) WHERE status = 'scheduled';
CREATE INDEX IF NOT EXISTS idx_jobs_locked ON jobs(locked_at) WHERE status = 'running';

-- Submission ledger: one row per target URL, created in bulk after
-- extraction and only ever updated, giving a permanent audit trail.
CREATE TABLE IF NOT EXISTS url_submissions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    url TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'submitted', 'indexed', 'failed', 'skipped')),
    service_account_id TEXT,
    submitted_at DATETIME,
    indexed_at DATETIME,
    error_message TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_submissions_job ON url_submissions(job_id);
CREATE INDEX IF NOT EXISTS idx_submissions_job_status ON url_submissions(job_id, status);

-- Service accounts: credential sets with independent quotas, shared
-- across all jobs of a user.
CREATE TABLE IF NOT EXISTS service_accounts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    encrypted_credentials BLOB,
    is_active INTEGER NOT NULL DEFAULT 1,
    daily_quota_limit INTEGER NOT NULL DEFAULT 200,
    minute_quota_limit INTEGER NOT NULL DEFAULT 60,
    encrypted_access_token BLOB,
    access_token_expires_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_accounts_user_active ON service_accounts(user_id, is_active);

-- Quota usage: one row per (account, calendar date), upserted with
-- additive counters.
CREATE TABLE IF NOT EXISTS quota_usage (
    service_account_id TEXT NOT NULL REFERENCES service_accounts(id) ON DELETE CASCADE,
    usage_date TEXT NOT NULL,
    requests_made INTEGER NOT NULL DEFAULT 0,
    requests_successful INTEGER NOT NULL DEFAULT 0,
    requests_failed INTEGER NOT NULL DEFAULT 0,
    last_request_at DATETIME,
    PRIMARY KEY (service_account_id, usage_date)
);
`
