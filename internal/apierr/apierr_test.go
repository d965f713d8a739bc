package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{Unauthorized, http.StatusUnauthorized},
		{TargetNotFound, http.StatusNotFound},
		{ApprovalRequired, http.StatusConflict},
		{Code("made_up"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		e := New(tt.code, "x")
		if got := e.StatusCode(); got != tt.want {
			t.Errorf("StatusCode(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWriteError_KnownError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, New(TargetNotFound, "no such target"))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "target_not_found" {
		t.Errorf("error = %v, want target_not_found", body["error"])
	}
	if body["message"] != "no such target" {
		t.Errorf("message = %v, want %q", body["message"], "no such target")
	}
}

func TestWriteError_ScrubsUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("some internal detail, /etc/passwd leaked"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "internal_server_error" {
		t.Errorf("error = %v, want internal_server_error", body["error"])
	}
	if body["message"] == "some internal detail, /etc/passwd leaked" {
		t.Error("internal error details must be scrubbed")
	}
}

func TestWithDiagnosis(t *testing.T) {
	rec := httptest.NewRecorder()
	err := New(PreflightFailed, "ssh dial failed").WithDiagnosis("connection refused", "check firewall", "verify port 22")
	WriteError(rec, err)

	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	diag, ok := body["diagnosis"].(map[string]any)
	if !ok {
		t.Fatalf("expected diagnosis object, got %v", body["diagnosis"])
	}
	if diag["reason"] != "connection refused" {
		t.Errorf("diagnosis.reason = %v", diag["reason"])
	}
}

func TestRequireJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()

	if RequireJSON(rec, req) {
		t.Error("RequireJSON should fail for non-JSON content type")
	}
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnsupportedMediaType)
	}
}

func TestWrap_UnwrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(ReconcileFailed, "reconcile failed", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}
