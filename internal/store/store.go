// Package store persists form submissions in SQLite: raw records, edit
// history, soft deletes, and tags, with the filter/sort/window queries the
// data API exposes.
package store

import (
	"context"
	"time"
)

// Submission is one submitted form record.
type Submission struct {
	ID             int64          `json:"_id"`
	FormID         string         `json:"-"`
	UUID           string         `json:"_uuid"`
	Data           map[string]any `json:"-"`
	XML            string         `json:"-"`
	SubmissionTime time.Time      `json:"_submission_time"`
	SubmittedBy    string         `json:"_submitted_by,omitempty"`
	Version        string         `json:"_version,omitempty"`
	Duration       float64        `json:"_duration,omitempty"`
	Edited         bool           `json:"_edited"`
	DeletedAt      *time.Time     `json:"-"`
	Tags           []string       `json:"_tags"`
}

// Record merges the submission's data with its meta columns into a flat
// map, the shape the export flattener and JSON serializers consume.
func (s *Submission) Record() map[string]any {
	rec := make(map[string]any, len(s.Data)+8)
	for k, v := range s.Data {
		rec[k] = v
	}
	rec[MetaID] = s.ID
	rec[MetaUUID] = s.UUID
	rec[MetaSubmissionTime] = s.SubmissionTime.UTC().Format(time.RFC3339)
	rec[MetaTags] = append([]string(nil), s.Tags...)
	rec[MetaVersion] = s.Version
	rec[MetaDuration] = s.Duration
	rec[MetaSubmittedBy] = s.SubmittedBy
	rec[MetaEdited] = s.Edited
	return rec
}

// Meta column names shared across store, export, and API layers.
const (
	MetaID             = "_id"
	MetaUUID           = "_uuid"
	MetaSubmissionTime = "_submission_time"
	MetaTags           = "_tags"
	MetaNotes          = "_notes"
	MetaVersion        = "_version"
	MetaDuration       = "_duration"
	MetaSubmittedBy    = "_submitted_by"
	MetaEdited         = "_edited"
	MetaStatus         = "_status"
	MetaAttachments    = "_attachments"
	MetaGeolocation    = "_geolocation"
	MetaDeletedAt      = "_deleted_at"
	MetaXFormIDString  = "_xform_id_string"
	MetaBambooDataset  = "_bamboo_dataset_id"
)

// HistoryEntry is one snapshot of a submission taken before an edit.
type HistoryEntry struct {
	ID           int64          `json:"id"`
	SubmissionID int64          `json:"submission_id"`
	Data         map[string]any `json:"data"`
	XML          string         `json:"xml,omitempty"`
	EditedBy     string         `json:"edited_by,omitempty"`
	EditedAt     time.Time      `json:"edited_at"`
}

// ListOptions carries the query parameters of the list endpoint.
type ListOptions struct {
	Query     string   // JSON field-filter object, "" for none
	Sort      string   // JSON sort spec or (possibly "-"-prefixed) column name
	Start     int      // row offset
	Limit     int      // max rows, 0 for unlimited
	Tags      []string // include only submissions carrying any of these tags
	NotTagged []string // exclude submissions carrying any of these tags
}

// Store is the persistence interface for submissions.
type Store interface {
	// Insert persists a new submission and returns its assigned ID.
	Insert(ctx context.Context, sub *Submission) (int64, error)

	// Get retrieves one live submission of a form.
	Get(ctx context.Context, formID string, id int64) (*Submission, error)

	// List retrieves live submissions of a form honoring filter/sort/window options.
	List(ctx context.Context, formID string, opts ListOptions) ([]*Submission, error)

	// Count returns the number of live submissions matching the filter options
	// (window and sort are ignored).
	Count(ctx context.Context, formID string, opts ListOptions) (int, error)

	// Update replaces a submission's data, snapshotting the previous state
	// into its history.
	Update(ctx context.Context, formID string, id int64, data map[string]any, xml, editedBy string) error

	// SoftDelete stamps a deletion time; the record is excluded from reads.
	SoftDelete(ctx context.Context, formID string, id int64, when time.Time) error

	// History returns the edit snapshots of a submission, most recent first.
	History(ctx context.Context, formID string, id int64) ([]HistoryEntry, error)

	// AddTags attaches tags to a submission (duplicates are ignored).
	AddTags(ctx context.Context, formID string, id int64, tags []string) error

	// RemoveTag detaches a tag; removed reports whether it was present.
	RemoveTag(ctx context.Context, formID string, id int64, tag string) (removed bool, err error)

	// ListTags returns a submission's tags in sorted order.
	ListTags(ctx context.Context, formID string, id int64) ([]string, error)

	// Close releases the underlying database.
	Close() error
}

// ErrNotFound is returned when a submission does not exist or is deleted.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "submission not found" }

// ErrDuplicate is returned when a submission's uuid is already stored.
var ErrDuplicate = duplicateError{}

type duplicateError struct{}

func (duplicateError) Error() string { return "submission already exists" }
