package control

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func requestWithAuth(header string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"plain bearer", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"trailing space trimmed", "Bearer abc123 ", "abc123"},
		{"missing header", "", ""},
		{"wrong scheme", "Basic abc123", ""},
		{"scheme only", "Bearer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bearerToken(requestWithAuth(tt.header)); got != tt.want {
				t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestTokenEqual(t *testing.T) {
	if !tokenEqual("s3cret", "s3cret") {
		t.Error("identical tokens must match")
	}
	if tokenEqual("s3cret", "s3cref") {
		t.Error("different tokens must not match")
	}
	if tokenEqual("s3cret", "s3cret-and-longer") {
		t.Error("prefix tokens must not match")
	}
	// Empty on either side never matches, even against itself: an unset
	// expected token must not make auth pass vacuously.
	if tokenEqual("", "") || tokenEqual("x", "") || tokenEqual("", "x") {
		t.Error("empty tokens must never match")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"10.1.2.3:54321", "10.1.2.3"},
		{"[::1]:8080", "::1"},
		{"10.1.2.3", "10.1.2.3"}, // no port: returned as-is
	}
	for _, tt := range tests {
		if got := clientIP(tt.in); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
