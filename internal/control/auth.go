package control

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/patzehq/patze-control/internal/apierr"
)

// AuthConfig is the persisted operator auth setting (auth.json, 0600).
type AuthConfig struct {
	Mode  string `json:"mode"` // "none" | "token"
	Token string `json:"token,omitempty"`
}

const authFileName = "auth.json"

// LoadAuth reads auth.json from the settings dir, defaulting to no auth
// when the file is absent.
func LoadAuth(settingsDir string) (AuthConfig, error) {
	data, err := os.ReadFile(filepath.Join(settingsDir, authFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return AuthConfig{Mode: "none"}, nil
		}
		return AuthConfig{}, fmt.Errorf("reading auth.json: %w", err)
	}
	var cfg AuthConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return AuthConfig{}, fmt.Errorf("parsing auth.json: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = "none"
	}
	return cfg, nil
}

// SaveAuth writes auth.json with owner-only permissions.
func SaveAuth(settingsDir string, cfg AuthConfig) error {
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(settingsDir, authFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// requireAuth is the bearer-token middleware. With mode "none" every
// request passes.
func (s *Surface) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth.Mode == "token" {
			if !tokenEqual(bearerToken(r), s.auth.Token) {
				apierr.WriteError(w, apierr.New(apierr.Unauthorized, "missing or invalid bearer token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from a request's Authorization header,
// accepting any case for the Bearer scheme.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// tokenEqual compares two tokens in constant time. Both sides are
// digested first so the comparison leaks neither contents nor length.
func tokenEqual(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	a := sha256.Sum256([]byte(provided))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// clientIP strips the port from a request's RemoteAddr, tolerating
// addresses that arrive without one.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
