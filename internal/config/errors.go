package config

import "errors"

var (
	// ErrEmptyDatabasePath is returned when database path is empty
	ErrEmptyDatabasePath = errors.New("database_path cannot be empty")
	// ErrMissingMasterKey is returned when no master key is configured
	ErrMissingMasterKey = errors.New("master_key is required")
	// ErrInvalidTimeout is returned when request timeout is not greater than 0
	ErrInvalidTimeout = errors.New("request_timeout must be greater than 0")
	// ErrEmptyEndpoint is returned when an external endpoint URL is empty
	ErrEmptyEndpoint = errors.New("publish_endpoint and token_endpoint cannot be empty")
	// ErrInvalidBatchSize is returned when the pending batch size is not greater than 0
	ErrInvalidBatchSize = errors.New("pending_batch_size must be greater than 0")
	// ErrInvalidStaleWindow is returned when the stale lock window is not greater than 0
	ErrInvalidStaleWindow = errors.New("stale_lock_after must be greater than 0")
)
