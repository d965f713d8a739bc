package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler_Healthy(t *testing.T) {
	h := NewHandler(func() Stats {
		return Stats{AttachedNodes: 2, OpenTunnels: 2, EventsIngestedTotal: 10}
	}, "test-version", true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if resp.Version != "test-version" {
		t.Errorf("version = %q, want %q", resp.Version, "test-version")
	}
	if resp.AttachedNodes != 2 {
		t.Errorf("attached_nodes = %d, want 2", resp.AttachedNodes)
	}
	if resp.Details == nil {
		t.Error("details should not be nil")
	}
}

func TestHealthHandler_Degraded(t *testing.T) {
	h := NewHandler(func() Stats {
		return Stats{Degraded: true}
	}, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "degraded" {
		t.Errorf("status = %q, want %q", resp.Status, "degraded")
	}
	if resp.Details != nil {
		t.Error("details should be nil when not detailed")
	}
}

func TestHealthHandler_WithTunnels(t *testing.T) {
	h := NewHandler(func() Stats {
		return Stats{OpenTunnels: 5}
	}, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.OpenTunnels != 5 {
		t.Errorf("open_tunnels = %d, want 5", resp.OpenTunnels)
	}
}
