// Package config loads and validates Patze Control's configuration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the Patze control plane.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Storage    StorageConfig    `yaml:"storage"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	SmartFleet SmartFleetConfig `yaml:"smart_fleet"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the HTTP listener settings for the Control Surface.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// AuthConfig controls how operator requests are authorized.
type AuthConfig struct {
	Mode  string `yaml:"mode"` // "none" | "token"
	Token string `yaml:"token"`
}

// StorageConfig contains on-disk locations for persistent state.
type StorageConfig struct {
	OpenClawHome string `yaml:"openclaw_home"`
	CronStoreDir string `yaml:"cron_store_dir"`
	SettingsDir  string `yaml:"settings_dir"`
}

// BridgeConfig contains settings for bridge command leasing and cron sync.
type BridgeConfig struct {
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	DefaultLeaseTTL      time.Duration `yaml:"default_lease_ttl"`
	MaxLeaseRetries      int           `yaml:"max_lease_retries"`
	CronSyncRateLimitMax int           `yaml:"cron_sync_rate_limit_max"`
	MaxOutputBytes       int64         `yaml:"max_output_bytes"`
}

// SmartFleetConfig controls the Fleet Policy & Drift Engine.
type SmartFleetConfig struct {
	Enabled                bool          `yaml:"enabled"`
	MaxSyncLagMs           int64         `yaml:"max_sync_lag_ms"`
	MinBridgeVersion       string        `yaml:"min_bridge_version"`
	AlertCooldown          time.Duration `yaml:"alert_cooldown"`
	ApprovalCriticalThresh int           `yaml:"approval_critical_threshold"`
	ApprovalTTL            time.Duration `yaml:"approval_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults; the control
// surface binds 127.0.0.1:9700 unless overridden.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              9700,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Mode: "none",
		},
		Storage: StorageConfig{
			OpenClawHome: filepath.Join(home, ".openclaw"),
			CronStoreDir: filepath.Join(home, ".openclaw", "cron"),
			SettingsDir:  filepath.Join(home, ".patze-control"),
		},
		Bridge: BridgeConfig{
			HeartbeatTimeout:     30 * time.Second,
			DefaultLeaseTTL:      60 * time.Second,
			MaxLeaseRetries:      3,
			CronSyncRateLimitMax: 60,
			MaxOutputBytes:       32 * 1024,
		},
		SmartFleet: SmartFleetConfig{
			Enabled:                true,
			MaxSyncLagMs:           120000,
			MinBridgeVersion:       "0.0.0",
			AlertCooldown:          60 * time.Second,
			ApprovalCriticalThresh: 3,
			ApprovalTTL:            5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// ToYAML renders the config as YAML, for use by the setup wizard when
// writing a fresh config.yaml.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Load reads a config file (if path is non-empty) and applies environment
// variable overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'patzectl setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// directoryDenylist lists path prefixes that openclawDir/settings dirs must
// never resolve under.
var directoryDenylist = []string{
	"/etc", "/var", "/proc", "/sys", "/dev", "/boot", "/bin", "/sbin", "/lib", "/tmp",
}

// ValidateOpenClawDir enforces the directory-safety allowlist/denylist:
// the directory must resolve under one of the user-home
// allowlist prefixes, must not fall under a system denylist prefix, and
// must not equal "/" or the home directory itself.
func ValidateOpenClawDir(dir string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	clean, err := resolvePath(dir)
	if err != nil {
		return err
	}
	cleanHome, err := resolvePath(home)
	if err != nil {
		return err
	}

	if clean == "/" || clean == cleanHome {
		return fmt.Errorf("openclaw directory must not be %q", dir)
	}

	allowlist := []string{
		filepath.Join(cleanHome, ".openclaw"),
		filepath.Join(cleanHome, ".patze-control"),
		filepath.Join(cleanHome, "openclaw"),
	}
	allowed := false
	for _, prefix := range allowlist {
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("openclaw directory %q must resolve under one of %v", dir, allowlist)
	}

	deny := append([]string{
		filepath.Join(cleanHome, ".ssh"),
		filepath.Join(cleanHome, ".gnupg"),
		filepath.Join(cleanHome, ".config"),
	}, directoryDenylist...)
	for _, prefix := range deny {
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return fmt.Errorf("openclaw directory %q must not fall under %q", dir, prefix)
		}
	}

	return nil
}

// resolvePath cleans a path without requiring it to exist (unlike
// filepath.EvalSymlinks, which would fail for not-yet-created directories).
func resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if !filepath.IsAbs(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		p = abs
	}
	return filepath.Clean(p), nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}

	switch c.Auth.Mode {
	case "none", "token":
	default:
		return fmt.Errorf("auth.mode must be one of: none, token")
	}
	if c.Auth.Mode == "token" && c.Auth.Token == "" {
		return fmt.Errorf("auth.token is required when auth.mode is token")
	}

	if c.Storage.OpenClawHome != "" {
		if err := ValidateOpenClawDir(c.Storage.OpenClawHome); err != nil {
			return fmt.Errorf("storage.openclaw_home: %w", err)
		}
	}
	if c.Storage.CronStoreDir == "" {
		return fmt.Errorf("storage.cron_store_dir is required")
	}
	if c.Storage.SettingsDir == "" {
		return fmt.Errorf("storage.settings_dir is required")
	}

	if c.Bridge.HeartbeatTimeout <= 0 {
		return fmt.Errorf("bridge.heartbeat_timeout must be positive")
	}
	if c.Bridge.DefaultLeaseTTL <= 0 {
		return fmt.Errorf("bridge.default_lease_ttl must be positive")
	}
	if c.Bridge.MaxLeaseRetries < 0 {
		return fmt.Errorf("bridge.max_lease_retries must not be negative")
	}
	if c.Bridge.CronSyncRateLimitMax <= 0 {
		return fmt.Errorf("bridge.cron_sync_rate_limit_max must be positive")
	}
	if c.Bridge.MaxOutputBytes <= 0 {
		return fmt.Errorf("bridge.max_output_bytes must be positive")
	}

	if c.SmartFleet.MaxSyncLagMs <= 0 {
		return fmt.Errorf("smart_fleet.max_sync_lag_ms must be positive")
	}
	if c.SmartFleet.ApprovalCriticalThresh <= 0 {
		return fmt.Errorf("smart_fleet.approval_critical_threshold must be positive")
	}
	if c.SmartFleet.ApprovalTTL <= 0 {
		return fmt.Errorf("smart_fleet.approval_ttl must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// applyEnvOverrides applies the documented environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = parseInt(v, cfg.Server.Port)
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TELEMETRY_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	if v := os.Getenv("TELEMETRY_AUTH_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("OPENCLAW_HOME"); v != "" {
		cfg.Storage.OpenClawHome = v
	}
	if v := os.Getenv("CRON_STORE_DIR"); v != "" {
		cfg.Storage.CronStoreDir = v
	}
	if v := os.Getenv("PATZE_SETTINGS_DIR"); v != "" {
		cfg.Storage.SettingsDir = v
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT_MS"); v != "" {
		cfg.Bridge.HeartbeatTimeout = parseMillis(v, cfg.Bridge.HeartbeatTimeout)
	}
	if v := os.Getenv("SMART_FLEET_V2_ENABLED"); v != "" {
		cfg.SmartFleet.Enabled = parseBool(v, cfg.SmartFleet.Enabled)
	}
	if v := os.Getenv("SMART_FLEET_MAX_SYNC_LAG_MS"); v != "" {
		cfg.SmartFleet.MaxSyncLagMs = parseInt64(v, cfg.SmartFleet.MaxSyncLagMs)
	}
	if v := os.Getenv("SMART_FLEET_MIN_BRIDGE_VERSION"); v != "" {
		cfg.SmartFleet.MinBridgeVersion = v
	}
	if v := os.Getenv("SMART_FLEET_ALERT_COOLDOWN_MS"); v != "" {
		cfg.SmartFleet.AlertCooldown = parseMillis(v, cfg.SmartFleet.AlertCooldown)
	}
	if v := os.Getenv("SMART_FLEET_APPROVAL_CRITICAL_THRESHOLD"); v != "" {
		cfg.SmartFleet.ApprovalCriticalThresh = parseInt(v, cfg.SmartFleet.ApprovalCriticalThresh)
	}
	if v := os.Getenv("SMART_FLEET_APPROVAL_TTL_MS"); v != "" {
		cfg.SmartFleet.ApprovalTTL = parseMillis(v, cfg.SmartFleet.ApprovalTTL)
	}
	if v := os.Getenv("BRIDGE_CRON_SYNC_RATE_LIMIT_MAX"); v != "" {
		cfg.Bridge.CronSyncRateLimitMax = parseInt(v, cfg.Bridge.CronSyncRateLimitMax)
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: server.host, server.port, storage.*.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Auth = newCfg.Auth
	updated.Bridge = newCfg.Bridge
	updated.SmartFleet = newCfg.SmartFleet
	updated.Logging.Level = newCfg.Logging.Level
	return &updated
}

// IsReloadSafe reports which changed fields require a restart to take effect.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.Host != new.Server.Host || old.Server.Port != new.Server.Port {
		warnings = append(warnings, "server.host/server.port requires restart")
	}
	if old.Storage != new.Storage {
		warnings = append(warnings, "storage paths require restart")
	}
	return warnings
}

// SanityCheckGatewayURL validates a bridge-supplied URL is http(s) and
// private/loopback.
func SanityCheckGatewayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url must use http:// or https:// scheme")
	}
	host := u.Hostname()
	ip := net.ParseIP(host)
	if ip != nil && !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("url should point to localhost or a private IP, got %s", host)
	}
	return nil
}

func parseMillis(s string, fallback time.Duration) time.Duration {
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
