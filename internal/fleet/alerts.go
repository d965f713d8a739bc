package fleet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/patzehq/patze-control/internal/security"
)

// Alert is one routed fleet alert.
type Alert struct {
	Kind     string   `json:"kind"`
	TargetID string   `json:"targetId"`
	Severity Severity `json:"severity"`
	Summary  string   `json:"summary"`
	Details  string   `json:"details,omitempty"`
}

// Destination is one alert sink.
type Destination struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	WebhookURL      string   `json:"webhookUrl"`
	MinimumSeverity Severity `json:"minimumSeverity"`
}

// RuleScope selects which targets a rule covers.
type RuleScope string

const (
	ScopeAll       RuleScope = "all"
	ScopeTargetIDs RuleScope = "target_ids"
)

// Rule selects destinations for alerts at or above a severity.
type Rule struct {
	ID             string    `json:"id"`
	MinSeverity    Severity  `json:"minSeverity"`
	Scope          RuleScope `json:"scope"`
	TargetIDs      []string  `json:"targetIds,omitempty"`
	DestinationIDs []string  `json:"destinationIds"`
}

// alertsFile is the on-disk shape of fleet-alerts.json.
type alertsFile struct {
	Destinations []Destination `json:"destinations"`
	Rules        []Rule        `json:"rules"`
}

// AlertRouter dispatches alerts to webhook destinations with per-key
// cooldown suppression.
type AlertRouter struct {
	log      *slog.Logger
	path     string
	cooldown time.Duration
	client   *http.Client

	mu           sync.Mutex
	destinations []Destination
	rules        []Rule
	lastSent     map[string]time.Time // (destID, kind, targetID, summary) -> last dispatch
}

// RouterOption configures an AlertRouter.
type RouterOption func(*AlertRouter)

// WithCooldown overrides the default 60s suppression window.
func WithCooldown(d time.Duration) RouterOption {
	return func(r *AlertRouter) { r.cooldown = d }
}

// WithHTTPClient overrides the webhook client (tests).
func WithHTTPClient(c *http.Client) RouterOption {
	return func(r *AlertRouter) { r.client = c }
}

// NewAlertRouter loads (or initializes) the alert config from
// fleet-alerts.json under settingsDir.
func NewAlertRouter(settingsDir string, log *slog.Logger, opts ...RouterOption) (*AlertRouter, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &AlertRouter{
		log:      log,
		path:     filepath.Join(settingsDir, "fleet-alerts.json"),
		cooldown: 60 * time.Second,
		client:   &http.Client{Timeout: 5 * time.Second},
		lastSent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading fleet-alerts.json: %w", err)
	}
	var af alertsFile
	if err := json.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("parsing fleet-alerts.json: %w", err)
	}
	r.destinations = af.Destinations
	r.rules = af.Rules
	return r, nil
}

// SetDestinations replaces the destination list and persists. Webhook
// URLs are validated against the SSRF guard before being accepted.
func (r *AlertRouter) SetDestinations(ds []Destination) error {
	for _, d := range ds {
		if err := security.ValidateWebhookURL(d.WebhookURL); err != nil {
			return fmt.Errorf("destination %q: %w", d.ID, err)
		}
	}
	r.mu.Lock()
	r.destinations = ds
	err := r.persistLocked()
	r.mu.Unlock()
	return err
}

// SetRules replaces the rule list and persists.
func (r *AlertRouter) SetRules(rules []Rule) error {
	r.mu.Lock()
	r.rules = rules
	err := r.persistLocked()
	r.mu.Unlock()
	return err
}

// Destinations returns the configured destinations.
func (r *AlertRouter) Destinations() []Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Destination(nil), r.destinations...)
}

// Rules returns the configured rules.
func (r *AlertRouter) Rules() []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Rule(nil), r.rules...)
}

func (r *AlertRouter) persistLocked() error {
	data, err := json.MarshalIndent(alertsFile{Destinations: r.destinations, Rules: r.rules}, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Dispatch routes one alert: rules select destinations (no rules means
// every destination matches), each destination's minimum severity is
// enforced, and repeats within the cooldown window per (destination,
// kind, target, summary) are suppressed. Delivery is best-effort; a
// failed POST is logged, not retried.
func (r *AlertRouter) Dispatch(alert Alert) int {
	now := time.Now()
	targets := r.selectDestinations(alert, now)

	for _, d := range targets {
		r.deliver(d, alert)
	}
	return len(targets)
}

func (r *AlertRouter) selectDestinations(alert Alert, now time.Time) []Destination {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make(map[string]Destination)
	if len(r.rules) == 0 {
		for _, d := range r.destinations {
			matched[d.ID] = d
		}
	} else {
		byID := make(map[string]Destination, len(r.destinations))
		for _, d := range r.destinations {
			byID[d.ID] = d
		}
		for _, rule := range r.rules {
			if !alert.Severity.AtLeast(rule.MinSeverity) {
				continue
			}
			if rule.Scope == ScopeTargetIDs && !containsString(rule.TargetIDs, alert.TargetID) {
				continue
			}
			for _, id := range rule.DestinationIDs {
				if d, ok := byID[id]; ok {
					matched[id] = d
				}
			}
		}
	}

	var out []Destination
	for _, d := range matched {
		if !alert.Severity.AtLeast(d.MinimumSeverity) {
			continue
		}
		key := d.ID + "\x00" + alert.Kind + "\x00" + alert.TargetID + "\x00" + alert.Summary
		if last, ok := r.lastSent[key]; ok && now.Sub(last) < r.cooldown {
			continue
		}
		r.lastSent[key] = now
		out = append(out, d)
	}
	return out
}

func (r *AlertRouter) deliver(d Destination, alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		return
	}
	resp, err := r.client.Post(d.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		r.log.Warn("alert webhook delivery failed",
			"destination", d.ID, "kind", alert.Kind, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.log.Warn("alert webhook returned non-success",
			"destination", d.ID, "kind", alert.Kind, "status", resp.StatusCode)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
