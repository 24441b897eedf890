// Package config provides configuration management for the indexing pipeline.
// It defines configuration structures and default values for the worker daemon.
package config

import (
	"time"
)

// Config holds pipeline configuration.
type Config struct {
	// Storage
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"` // Path to SQLite database file
	MasterKey    string `mapstructure:"master_key" yaml:"-"`                // Hex-encoded 32-byte key sealing stored credentials

	// External endpoints
	PublishEndpoint string `mapstructure:"publish_endpoint" yaml:"publish_endpoint"` // Indexing API publish endpoint
	TokenEndpoint   string `mapstructure:"token_endpoint" yaml:"token_endpoint"`     // OAuth token endpoint fallback

	// HTTP behaviour
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"` // Timeout for each outbound HTTP call
	SubmitDelay    time.Duration `mapstructure:"submit_delay" yaml:"submit_delay"`       // Delay between URL submissions within a job

	// Monitor sweeps
	PendingSweepInterval  time.Duration `mapstructure:"pending_sweep_interval" yaml:"pending_sweep_interval"`   // How often pending jobs are dispatched
	ScheduleSweepInterval time.Duration `mapstructure:"schedule_sweep_interval" yaml:"schedule_sweep_interval"` // How often due schedules are promoted
	StaleSweepInterval    time.Duration `mapstructure:"stale_sweep_interval" yaml:"stale_sweep_interval"`       // How often stale locks are reclaimed
	StaleLockAfter        time.Duration `mapstructure:"stale_lock_after" yaml:"stale_lock_after"`               // Lock age after which a running job is presumed crashed
	PendingBatchSize      int           `mapstructure:"pending_batch_size" yaml:"pending_batch_size"`           // Jobs dispatched per pending sweep
	DispatchStagger       time.Duration `mapstructure:"dispatch_stagger" yaml:"dispatch_stagger"`               // Pause between dispatches within one sweep

	// Logging
	LogLevel string `mapstructure:"log_level" yaml:"log_level"` // debug, info, warn, error
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`   // Optional log file path (rotated)
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:          "./indextadoru.db",
		PublishEndpoint:       "https://indexing.googleapis.com/v3/urlNotifications:publish",
		TokenEndpoint:         "https://oauth2.googleapis.com/token",
		RequestTimeout:        30 * time.Second,
		SubmitDelay:           100 * time.Millisecond,
		PendingSweepInterval:  time.Minute,
		ScheduleSweepInterval: time.Minute,
		StaleSweepInterval:    5 * time.Minute,
		StaleLockAfter:        30 * time.Minute,
		PendingBatchSize:      5,
		DispatchStagger:       2 * time.Second,
		LogLevel:              "info",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return ErrEmptyDatabasePath
	}

	if c.MasterKey == "" {
		return ErrMissingMasterKey
	}

	if c.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.PublishEndpoint == "" || c.TokenEndpoint == "" {
		return ErrEmptyEndpoint
	}

	if c.PendingBatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	if c.StaleLockAfter <= 0 {
		return ErrInvalidStaleWindow
	}

	// Enforce a minimum delay so the external API's rate limit is respected
	if c.SubmitDelay < 100*time.Millisecond {
		c.SubmitDelay = 100 * time.Millisecond
	}

	if c.PendingSweepInterval <= 0 {
		c.PendingSweepInterval = time.Minute
	}
	if c.ScheduleSweepInterval <= 0 {
		c.ScheduleSweepInterval = time.Minute
	}
	if c.StaleSweepInterval <= 0 {
		c.StaleSweepInterval = 5 * time.Minute
	}

	return nil
}
