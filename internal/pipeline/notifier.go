package pipeline

import "log/slog"

// LogNotifier reports progress events through the default logger. It is
// the default observer wiring; deployments with a push channel provide
// their own Notifier.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(userID, jobID string, event ProgressEvent) {
	slog.Info("Job progress",
		"user_id", userID,
		"job_id", jobID,
		"status", event.Status,
		"progress", event.ProgressPercentage,
		"processed", event.ProcessedURLs,
		"total", event.TotalURLs)
}

// NoopNotifier discards all events.
type NoopNotifier struct{}

// Notify implements Notifier.
func (NoopNotifier) Notify(string, string, ProgressEvent) {}
