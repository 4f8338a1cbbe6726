// Package logfields centralizes canonical structured log field names so that
// key spelling cannot drift between packages.
package logfields

import "log/slog"

// Canonical log field name constants.
const (
	KeyFormID        = "form_id"
	KeySubmissionID  = "submission_id"
	KeyUUID          = "uuid"
	KeySpreadsheetID = "spreadsheet_id"
	KeySheetBinding  = "sheet_binding"
	KeyJobID         = "job_id"
	KeyJobType       = "job_type"
	KeyFormat        = "format"
	KeyRowCount      = "row_count"
	KeyColumnCount   = "column_count"
	KeyDurationMS    = "duration_ms"
	KeyMethod        = "method"
	KeyPath          = "path"
	KeyStatus        = "status"
	KeyUserAgent     = "user_agent"
	KeyRemoteAddr    = "remote_addr"
	KeySubject       = "subject"
	KeyError         = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func FormID(id string) slog.Attr         { return slog.String(KeyFormID, id) }
func SubmissionID(id int64) slog.Attr    { return slog.Int64(KeySubmissionID, id) }
func UUID(u string) slog.Attr            { return slog.String(KeyUUID, u) }
func SpreadsheetID(id string) slog.Attr  { return slog.String(KeySpreadsheetID, id) }
func SheetBinding(name string) slog.Attr { return slog.String(KeySheetBinding, name) }
func JobID(id string) slog.Attr          { return slog.String(KeyJobID, id) }
func JobType(t string) slog.Attr         { return slog.String(KeyJobType, t) }
func Format(f string) slog.Attr          { return slog.String(KeyFormat, f) }
func RowCount(n int) slog.Attr           { return slog.Int(KeyRowCount, n) }
func ColumnCount(n int) slog.Attr        { return slog.Int(KeyColumnCount, n) }
func DurationMS(ms float64) slog.Attr    { return slog.Float64(KeyDurationMS, ms) }
func Method(m string) slog.Attr          { return slog.String(KeyMethod, m) }
func Path(p string) slog.Attr            { return slog.String(KeyPath, p) }
func Status(code int) slog.Attr          { return slog.Int(KeyStatus, code) }
func UserAgent(ua string) slog.Attr      { return slog.String(KeyUserAgent, ua) }
func RemoteAddr(a string) slog.Attr      { return slog.String(KeyRemoteAddr, a) }
func Subject(s string) slog.Attr         { return slog.String(KeySubject, s) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
