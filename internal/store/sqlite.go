package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-based submission store.
// Use ":memory:" for an in-memory database, or a file path for persistence.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		form_id TEXT NOT NULL,
		uuid TEXT NOT NULL UNIQUE,
		data_json TEXT NOT NULL,
		xml TEXT NOT NULL DEFAULT '',
		submission_time TEXT NOT NULL,
		submitted_by TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		duration REAL NOT NULL DEFAULT 0,
		edited INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_form ON submissions(form_id);
	CREATE INDEX IF NOT EXISTS idx_submissions_deleted ON submissions(form_id, deleted_at);

	CREATE TABLE IF NOT EXISTS submission_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL REFERENCES submissions(id),
		data_json TEXT NOT NULL,
		xml TEXT NOT NULL DEFAULT '',
		edited_by TEXT NOT NULL DEFAULT '',
		edited_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_submission ON submission_history(submission_id);

	CREATE TABLE IF NOT EXISTS submission_tags (
		submission_id INTEGER NOT NULL REFERENCES submissions(id),
		tag TEXT NOT NULL,
		UNIQUE(submission_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_tags_submission ON submission_tags(submission_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert persists a new submission and returns its assigned ID.
func (s *SQLiteStore) Insert(ctx context.Context, sub *Submission) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dataJSON, err := json.Marshal(sub.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal submission data: %w", err)
	}
	if sub.SubmissionTime.IsZero() {
		sub.SubmissionTime = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (form_id, uuid, data_json, xml, submission_time, submitted_by, version, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.FormID, sub.UUID, string(dataJSON), sub.XML,
		sub.SubmissionTime.UTC().Format(time.RFC3339), sub.SubmittedBy, sub.Version, sub.Duration,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert submission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id

	if len(sub.Tags) > 0 {
		if err := s.insertTags(ctx, id, sub.Tags); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// isConstraintViolation matches sqlite constraint errors by result code,
// covering both the basic and extended (e.g. unique) codes.
func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func (s *SQLiteStore) insertTags(ctx context.Context, id int64, tags []string) error {
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		_, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO submission_tags (submission_id, tag) VALUES (?, ?)", id, tag)
		if err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	return nil
}

// Get retrieves one live submission of a form.
func (s *SQLiteStore) Get(ctx context.Context, formID string, id int64) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, formID, id)
}

func (s *SQLiteStore) get(ctx context.Context, formID string, id int64) (*Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, form_id, uuid, data_json, xml, submission_time, submitted_by, version, duration, edited
		 FROM submissions WHERE id = ? AND form_id = ? AND deleted_at IS NULL`, id, formID)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tags, err := s.tagsFor(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	sub.Tags = tags
	return sub, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var sub Submission
	var dataJSON, submissionTime string
	var edited int
	err := row.Scan(&sub.ID, &sub.FormID, &sub.UUID, &dataJSON, &sub.XML,
		&submissionTime, &sub.SubmittedBy, &sub.Version, &sub.Duration, &edited)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataJSON), &sub.Data); err != nil {
		return nil, fmt.Errorf("unmarshal submission data: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, submissionTime)
	if err != nil {
		return nil, fmt.Errorf("parse submission time: %w", err)
	}
	sub.SubmissionTime = ts
	sub.Edited = edited != 0
	sub.Tags = []string{}
	return &sub, nil
}

// List retrieves live submissions of a form honoring filter/sort/window options.
func (s *SQLiteStore) List(ctx context.Context, formID string, opts ListOptions) ([]*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args, err := buildWhere(formID, opts)
	if err != nil {
		return nil, err
	}
	orderBy, err := buildOrderBy(opts.Sort)
	if err != nil {
		return nil, err
	}

	q := `SELECT id, form_id, uuid, data_json, xml, submission_time, submitted_by, version, duration, edited
		 FROM submissions WHERE ` + where + " ORDER BY " + orderBy
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else if opts.Start > 0 {
		q += " LIMIT -1"
	}
	if opts.Start > 0 {
		q += fmt.Sprintf(" OFFSET %d", opts.Start)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var subs []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	for _, sub := range subs {
		tags, err := s.tagsFor(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		sub.Tags = tags
	}
	return subs, nil
}

// Count returns the number of live submissions matching the filter options.
func (s *SQLiteStore) Count(ctx context.Context, formID string, opts ListOptions) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args, err := buildWhere(formID, opts)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM submissions WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return n, nil
}

// Update replaces a submission's data, snapshotting the previous state into history.
func (s *SQLiteStore) Update(ctx context.Context, formID string, id int64, data map[string]any, xml, editedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.get(ctx, formID, id)
	if err != nil {
		return err
	}

	prevJSON, err := json.Marshal(prev.Data)
	if err != nil {
		return fmt.Errorf("marshal previous data: %w", err)
	}
	newJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal new data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO submission_history (submission_id, data_json, xml, edited_by, edited_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, string(prevJSON), prev.XML, editedBy, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE submissions SET data_json = ?, xml = ?, edited = 1 WHERE id = ?",
		string(newJSON), xml, id)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// SoftDelete stamps a deletion time; the record stays but is excluded from reads.
func (s *SQLiteStore) SoftDelete(ctx context.Context, formID string, id int64, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE submissions SET deleted_at = ? WHERE id = ? AND form_id = ? AND deleted_at IS NULL",
		when.UTC().Format(time.RFC3339), id, formID)
	if err != nil {
		return fmt.Errorf("soft delete submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// History returns the edit snapshots of a submission, most recent first.
func (s *SQLiteStore) History(ctx context.Context, formID string, id int64) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.get(ctx, formID, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, data_json, xml, edited_by, edited_at
		 FROM submission_history WHERE submission_id = ? ORDER BY id DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var dataJSON, editedAt string
		if err := rows.Scan(&e.ID, &e.SubmissionID, &dataJSON, &e.XML, &e.EditedBy, &editedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal history data: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, editedAt)
		if err != nil {
			return nil, fmt.Errorf("parse edited_at: %w", err)
		}
		e.EditedAt = ts
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

// AddTags attaches tags to a submission (duplicates are ignored).
func (s *SQLiteStore) AddTags(ctx context.Context, formID string, id int64, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(ctx, formID, id); err != nil {
		return err
	}
	return s.insertTags(ctx, id, tags)
}

// RemoveTag detaches a tag; removed reports whether it was present.
func (s *SQLiteStore) RemoveTag(ctx context.Context, formID string, id int64, tag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(ctx, formID, id); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM submission_tags WHERE submission_id = ? AND tag = ?", id, tag)
	if err != nil {
		return false, fmt.Errorf("remove tag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListTags returns a submission's tags in sorted order.
func (s *SQLiteStore) ListTags(ctx context.Context, formID string, id int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.get(ctx, formID, id); err != nil {
		return nil, err
	}
	return s.tagsFor(ctx, id)
}

func (s *SQLiteStore) tagsFor(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tag FROM submission_tags WHERE submission_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag rows: %w", err)
	}
	sort.Strings(tags)
	return tags, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
