// Package metrics defines observability hooks for submission intake, data
// queries, exports, and sheet sync runs.
package metrics

import "time"

// Recorder defines the metric hooks the service emits. Implementations may
// forward to Prometheus or drop everything (NoopRecorder).
type Recorder interface {
	IncSubmission(formID, result string) // result: accepted|rejected|duplicate
	IncDataRequest(formID, format string)
	ObserveExportDuration(formID, format string, d time.Duration)
	ObserveSyncDuration(binding string, d time.Duration, success bool)
	IncSyncOutcome(binding, outcome string) // outcome: success|failed|skipped
	SetSheetRows(binding string, rows int)
	IncEventPublished(kind string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncSubmission(string, string) {}
func (NoopRecorder) IncDataRequest(string, string) {}
func (NoopRecorder) ObserveExportDuration(string, string, time.Duration) {}
func (NoopRecorder) ObserveSyncDuration(string, time.Duration, bool) {}
func (NoopRecorder) IncSyncOutcome(string, string) {}
func (NoopRecorder) SetSheetRows(string, int) {}
func (NoopRecorder) IncEventPublished(string) {}
