package pipeline

import "errors"

var (
	// ErrJobAlreadyProcessing is returned when this process is already running the job
	ErrJobAlreadyProcessing = errors.New("job is already being processed")
	// ErrJobAlreadyClaimed is returned when another worker won the claim race
	ErrJobAlreadyClaimed = errors.New("job claimed by another worker")
	// ErrNoURLs is returned when extraction produced an empty URL list
	ErrNoURLs = errors.New("no URLs found for job")
	// ErrNoActiveAccounts is returned when the job's owner has no active service accounts
	ErrNoActiveAccounts = errors.New("no active service accounts")
	// ErrAccountUnusable is returned when an account has no stored credentials
	ErrAccountUnusable = errors.New("service account has no usable credentials")
	// ErrNoUsableAccount is returned when a full rotation cycle yielded no token
	ErrNoUsableAccount = errors.New("no usable service account")
	// ErrSitemapTooDeep is returned when sitemap index nesting exceeds the depth limit
	ErrSitemapTooDeep = errors.New("sitemap nesting exceeds depth limit")
)
