// Package errors provides a lightweight structured error type (FormSyncError)
// for category-based classification and retry semantics in HTTP adapters and CLI.
package errors

import (
	"fmt"
)

// ErrorCategory represents the category of a formsync error for classification
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategoryNotFound   ErrorCategory = "not_found"

	// External system integration errors
	CategoryNetwork ErrorCategory = "network"
	CategorySheets  ErrorCategory = "sheets"
	CategoryEvents  ErrorCategory = "events"

	// Data processing errors
	CategoryExport ErrorCategory = "export"
	CategoryStore  ErrorCategory = "store"
	CategoryForm   ErrorCategory = "form"

	// Runtime and infrastructure errors
	CategoryRuntime  ErrorCategory = "runtime"
	CategoryDaemon   ErrorCategory = "daemon"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// FormSyncError is a structured error with category, retryability, and context
type FormSyncError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for FormSyncError
type ContextFields map[string]any

// Error implements the error interface
func (e *FormSyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *FormSyncError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *FormSyncError) WithContext(key string, value any) *FormSyncError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new FormSyncError
func New(category ErrorCategory, severity ErrorSeverity, message string) *FormSyncError {
	return &FormSyncError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: false,
	}
}

// Wrap creates a new FormSyncError that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *FormSyncError {
	return &FormSyncError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}

// Retryable creates a new retryable FormSyncError
func Retryable(category ErrorCategory, severity ErrorSeverity, message string) *FormSyncError {
	return &FormSyncError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: true,
	}
}

// WrapRetryable creates a new retryable FormSyncError that wraps an existing error
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *FormSyncError {
	return &FormSyncError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category ErrorCategory) bool {
	if fse, ok := err.(*FormSyncError); ok {
		return fse.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if fse, ok := err.(*FormSyncError); ok {
		return fse.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or returns CategoryInternal if not a FormSyncError
func GetCategory(err error) ErrorCategory {
	if fse, ok := err.(*FormSyncError); ok {
		return fse.Category
	}
	return CategoryInternal
}

// ValidationError creates a new validation error (400 Bad Request)
func ValidationError(message string) *FormSyncError {
	return &FormSyncError{
		Category:  CategoryValidation,
		Severity:  SeverityWarning,
		Message:   message,
		Retryable: false,
	}
}

// NotFound creates a new not-found error (404)
func NotFound(message string) *FormSyncError {
	return &FormSyncError{
		Category:  CategoryNotFound,
		Severity:  SeverityWarning,
		Message:   message,
		Retryable: false,
	}
}

// DaemonError creates a new daemon error (service unavailable)
func DaemonError(message string) *FormSyncError {
	return &FormSyncError{
		Category:  CategoryDaemon,
		Severity:  SeverityError,
		Message:   message,
		Retryable: false,
	}
}

// WrapError wraps an existing error with a new FormSyncError
func WrapError(err error, category ErrorCategory, message string) *FormSyncError {
	return &FormSyncError{
		Category:  category,
		Severity:  SeverityError,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}
