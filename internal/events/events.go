// Package events publishes and consumes submission lifecycle events over
// NATS JetStream. The sheet syncer subscribes to trigger incremental
// spreadsheet updates as submissions arrive, change, or get deleted.
package events

import (
	"time"
)

// Event kinds.
const (
	KindCreated = "created"
	KindEdited  = "edited"
	KindDeleted = "deleted"
)

// SubmissionEvent describes one submission lifecycle change.
type SubmissionEvent struct {
	Kind         string    `json:"kind"`
	FormID       string    `json:"form_id"`
	SubmissionID int64     `json:"submission_id"`
	UUID         string    `json:"uuid,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
