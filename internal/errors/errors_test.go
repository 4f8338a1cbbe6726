package errors

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFormSyncError_Error(t *testing.T) {
	err := New(CategoryValidation, SeverityWarning, "bad input")
	want := "validation (warning): bad input"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}

	cause := errors.New("boom")
	wrapped := Wrap(cause, CategoryStore, SeverityError, "insert failed")
	if wrapped.Unwrap() != cause {
		t.Errorf("expected cause to unwrap")
	}
	if !errors.Is(wrapped, cause) {
		t.Errorf("errors.Is should see through the wrapper")
	}
}

func TestFormSyncError_WithContext(t *testing.T) {
	err := ValidationError("bad dataid").WithContext("dataid", "abc")
	if err.Context["dataid"] != "abc" {
		t.Errorf("expected context value, got %v", err.Context)
	}
}

func TestIsCategory(t *testing.T) {
	err := NotFound("no such submission")
	if !IsCategory(err, CategoryNotFound) {
		t.Errorf("expected not_found category")
	}
	if IsCategory(errors.New("plain"), CategoryNotFound) {
		t.Errorf("plain errors have no category")
	}
}

func TestIsRetryable(t *testing.T) {
	err := Retryable(CategorySheets, SeverityError, "rate limited")
	if !IsRetryable(err) {
		t.Errorf("expected retryable")
	}
	if IsRetryable(New(CategorySheets, SeverityError, "bad request")) {
		t.Errorf("expected non-retryable")
	}
}

func TestHTTPErrorAdapter_StatusCodes(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)
	cases := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{ValidationError("bad"), http.StatusBadRequest},
		{NotFound("gone"), http.StatusNotFound},
		{New(CategoryAuth, SeverityWarning, "denied"), http.StatusUnauthorized},
		{New(CategorySheets, SeverityError, "upstream"), http.StatusBadGateway},
		{New(CategoryExport, SeverityError, "flatten"), http.StatusUnprocessableEntity},
		{New(CategoryDaemon, SeverityError, "down"), http.StatusServiceUnavailable},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := adapter.StatusCodeFor(tc.err); got != tc.status {
			t.Errorf("StatusCodeFor(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}

func TestHTTPErrorAdapter_WriteErrorResponse(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/forms/x/data", nil)

	adapter.WriteErrorResponse(w, r, ValidationError("start must be an integer"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %s", ct)
	}
	body := w.Body.String()
	if body == "" {
		t.Fatalf("expected error body")
	}
}

func TestCLIErrorAdapter_ExitCodes(t *testing.T) {
	adapter := NewCLIErrorAdapter(false, nil)
	if adapter.ExitCodeFor(nil) != 0 {
		t.Errorf("nil error should exit 0")
	}
	if adapter.ExitCodeFor(ValidationError("x")) != 2 {
		t.Errorf("validation should exit 2")
	}
	if adapter.ExitCodeFor(New(CategorySheets, SeverityError, "x")) != 4 {
		t.Errorf("sheets should exit 4")
	}
	if adapter.ExitCodeFor(errors.New("plain")) != 1 {
		t.Errorf("unknown should exit 1")
	}
}
