package errors

import (
	"fmt"
	"log/slog"
	"os"
)

// CLIErrorAdapter maps classified errors to process exit codes and
// user-facing messages for command line entry points.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates an adapter; verbose enables cause chains in output.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{verbose: verbose, logger: logger}
}

// ExitCodeFor returns the exit code for an error.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if fse, ok := err.(*FormSyncError); ok {
		switch fse.Category {
		case CategoryConfig, CategoryValidation, CategoryForm:
			return 2
		case CategoryAuth:
			return 3
		case CategoryNetwork, CategorySheets, CategoryEvents:
			return 4
		default:
			return 1
		}
	}
	return 1
}

// FormatError renders an error for terminal output.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}
	fse, ok := err.(*FormSyncError)
	if !ok {
		return err.Error()
	}
	if a.verbose {
		return fse.Error()
	}
	return fmt.Sprintf("%s: %s", fse.Category, fse.Message)
}

// HandleError logs the error and exits with the mapped code.
func (a *CLIErrorAdapter) HandleError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, a.FormatError(err))
	os.Exit(a.ExitCodeFor(err))
}
