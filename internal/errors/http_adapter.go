package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HTTPErrorAdapter handles error presentation and status code determination for HTTP handlers.
type HTTPErrorAdapter struct {
	logger *slog.Logger
}

// NewHTTPErrorAdapter creates a new HTTP error adapter with an optional slog logger.
// If logger is nil, the default package logger will be used.
func NewHTTPErrorAdapter(logger *slog.Logger) *HTTPErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPErrorAdapter{logger: logger}
}

// HTTPErrorResponse represents a standard JSON error payload.
type HTTPErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// StatusCodeFor determines the HTTP status code for a given error based on
// its classification. Unknown errors map to 500.
func (a *HTTPErrorAdapter) StatusCodeFor(err error) int {
	if err == nil {
		return http.StatusOK
	}

	if fse, ok := err.(*FormSyncError); ok {
		switch fse.Category {
		case CategoryValidation, CategoryConfig, CategoryForm:
			return http.StatusBadRequest
		case CategoryAuth:
			return http.StatusUnauthorized
		case CategoryNotFound:
			return http.StatusNotFound
		case CategoryNetwork, CategorySheets, CategoryEvents:
			return http.StatusBadGateway
		case CategoryExport:
			return http.StatusUnprocessableEntity
		case CategoryRuntime, CategoryDaemon:
			return http.StatusServiceUnavailable
		case CategoryStore, CategoryInternal:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}

	return http.StatusInternalServerError
}

// WriteErrorResponse writes a JSON error response and logs with appropriate level.
func (a *HTTPErrorAdapter) WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	status := a.StatusCodeFor(err)
	payload := a.FormatErrorResponse(err)

	b, jerr := json.Marshal(payload)
	if jerr != nil {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("{\"error\":\"internal error\"}"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)

	if fse, ok := err.(*FormSyncError); ok {
		a.logger.Log(r.Context(), a.slogLevelFromSeverity(fse.Severity), fse.Error())
		return
	}
	a.logger.Error(err.Error())
}

// FormatErrorResponse converts known errors into a canonical error payload.
func (a *HTTPErrorAdapter) FormatErrorResponse(err error) HTTPErrorResponse {
	if err == nil {
		return HTTPErrorResponse{Error: ""}
	}
	if fse, ok := err.(*FormSyncError); ok {
		resp := HTTPErrorResponse{Error: fse.Message, Code: string(fse.Category)}
		if len(fse.Context) > 0 {
			resp.Details = map[string]any(fse.Context)
		}
		if fse.Retryable {
			resp.Retryable = true
		}
		return resp
	}
	return HTTPErrorResponse{Error: err.Error()}
}

func (a *HTTPErrorAdapter) slogLevelFromSeverity(s ErrorSeverity) slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError, SeverityFatal:
		return slog.LevelError
	default:
		return slog.LevelError
	}
}
