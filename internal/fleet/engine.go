package fleet

import (
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/patzehq/patze-control/internal/openclaw/sync"
	"github.com/patzehq/patze-control/internal/openclaw/target"
)

// Severity orders drifts, violations, and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarn:     1,
	SeverityMinor:    2,
	SeverityMajor:    3,
	SeverityHigh:     4,
	SeverityCritical: 5,
}

// AtLeast reports whether s is at least min severe.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// RiskLevel buckets a health score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// DesiredState is what the target's policy profile wants.
type DesiredState struct {
	BridgeVersion        string `json:"bridgeVersion,omitempty"`
	ConfigHash           string `json:"configHash"`
	MaxSyncLagMs         int64  `json:"maxSyncLagMs"`
	AllowAutoRemediation bool   `json:"allowAutoRemediation"`
}

// ReportedState is what the bridge's most recent check-in and the sync
// manager report.
type ReportedState struct {
	BridgeVersion       string     `json:"bridgeVersion,omitempty"`
	ConfigHash          string     `json:"configHash,omitempty"`
	HeartbeatAt         *time.Time `json:"heartbeatAt,omitempty"`
	SyncLagMs           int64      `json:"syncLagMs"`
	SyncRunning         bool       `json:"syncRunning"`
	SyncAvailable       bool       `json:"syncAvailable"`
	Stale               bool       `json:"stale"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	AuthMode            AuthMode   `json:"authMode,omitempty"`
}

// Drift is one category of deviation between desired and reported state.
type Drift struct {
	Category string   `json:"category"` // config | version | sync | runtime
	Severity Severity `json:"severity"`
	Expected string   `json:"expected"`
	Actual   string   `json:"actual"`
}

// Violation is one policy violation derived from drifts and status.
type Violation struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// TargetStatus is the derived, never-persisted fleet view of one target.
type TargetStatus struct {
	TargetID        string        `json:"targetId"`
	PolicyProfileID string        `json:"policyProfileId"`
	Desired         DesiredState  `json:"desired"`
	Reported        ReportedState `json:"reported"`
	Drifts          []Drift       `json:"drifts"`
	Violations      []Violation   `json:"violations"`
	HealthScore     int           `json:"healthScore"`
	RiskLevel       RiskLevel     `json:"riskLevel"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// CheckIn is what a bridge reports when it syncs.
type CheckIn struct {
	MachineID     string    `json:"machineId"`
	BridgeVersion string    `json:"bridgeVersion,omitempty"`
	ConfigHash    string    `json:"configHash,omitempty"`
	AuthMode      AuthMode  `json:"authMode,omitempty"`
	HeartbeatAt   time.Time `json:"heartbeatAt"`
}

// TargetLister supplies the current targets. *target.Store satisfies it.
type TargetLister interface {
	List() []target.Target
}

// SyncStatusFunc returns a target's sync status, when the sync manager
// is running it.
type SyncStatusFunc func(targetID string) (sync.Status, bool)

// Engine evaluates desired vs reported state per target.
type Engine struct {
	log        *slog.Logger
	profiles   *ProfileStore
	targets    TargetLister
	syncStatus SyncStatusFunc
	alerts     *AlertRouter

	mu       stdsync.Mutex
	checkIns map[string]CheckIn // targetID -> latest check-in
}

// New creates an Engine. alerts may be nil to disable dispatch.
func New(profiles *ProfileStore, targets TargetLister, syncStatus SyncStatusFunc, alerts *AlertRouter, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:        log,
		profiles:   profiles,
		targets:    targets,
		syncStatus: syncStatus,
		alerts:     alerts,
		checkIns:   make(map[string]CheckIn),
	}
}

// RecordCheckIn stores the latest bridge check-in for a target.
func (e *Engine) RecordCheckIn(targetID string, ci CheckIn) {
	e.mu.Lock()
	e.checkIns[targetID] = ci
	e.mu.Unlock()
}

// Evaluate computes one target's fleet status under its assigned profile.
func (e *Engine) Evaluate(t target.Target, now time.Time) TargetStatus {
	profile := e.profiles.ProfileFor(t.ID)
	return e.evaluateWithProfile(t, profile, now)
}

// evaluateWithProfile is the core scoring path, also used by batch-apply
// previews with a candidate profile.
func (e *Engine) evaluateWithProfile(t target.Target, profile PolicyProfile, now time.Time) TargetStatus {
	desired := DesiredState{
		BridgeVersion:        profile.MinBridgeVersion,
		ConfigHash:           sync.ConfigHash(sync.NewSpool(t.OpenClawDir).ReadConfig()),
		MaxSyncLagMs:         profile.MaxSyncLagMs,
		AllowAutoRemediation: false,
	}
	reported := e.reportedState(t, now)

	drifts := computeDrifts(desired, reported, profile)
	violations := computeViolations(drifts, reported, profile)
	score := healthScore(t, reported, drifts, violations, desired.MaxSyncLagMs)

	return TargetStatus{
		TargetID:        t.ID,
		PolicyProfileID: profile.ID,
		Desired:         desired,
		Reported:        reported,
		Drifts:          drifts,
		Violations:      violations,
		HealthScore:     score,
		RiskLevel:       riskLevel(score),
		UpdatedAt:       now,
	}
}

// reportedState folds the latest check-in and sync status into one view.
// Sync lag derives from lastSuccessfulSyncAt, falling back to the
// heartbeat.
func (e *Engine) reportedState(t target.Target, now time.Time) ReportedState {
	var rs ReportedState

	e.mu.Lock()
	ci, hasCheckIn := e.checkIns[t.ID]
	e.mu.Unlock()
	if hasCheckIn {
		rs.BridgeVersion = ci.BridgeVersion
		rs.ConfigHash = ci.ConfigHash
		rs.AuthMode = ci.AuthMode
		hb := ci.HeartbeatAt
		rs.HeartbeatAt = &hb
	}

	var lagFrom *time.Time
	if e.syncStatus != nil {
		if st, ok := e.syncStatus(t.ID); ok {
			rs.SyncRunning = st.Running
			rs.SyncAvailable = st.Available
			rs.Stale = st.Stale
			rs.ConsecutiveFailures = st.ConsecutiveFailures
			lagFrom = st.LastSuccessfulSyncAt
		}
	}
	if lagFrom == nil && rs.HeartbeatAt != nil {
		lagFrom = rs.HeartbeatAt
	}
	if lagFrom != nil {
		rs.SyncLagMs = now.Sub(*lagFrom).Milliseconds()
		if rs.SyncLagMs < 0 {
			rs.SyncLagMs = 0
		}
	}
	return rs
}

func computeDrifts(desired DesiredState, reported ReportedState, profile PolicyProfile) []Drift {
	var out []Drift

	if reported.ConfigHash != "" && reported.ConfigHash != desired.ConfigHash {
		out = append(out, Drift{
			Category: "config", Severity: SeverityMajor,
			Expected: desired.ConfigHash, Actual: reported.ConfigHash,
		})
	}

	if profile.MinBridgeVersion != "" && reported.BridgeVersion != "" {
		if versionBelow(reported.BridgeVersion, profile.MinBridgeVersion) {
			out = append(out, Drift{
				Category: "version", Severity: SeverityMajor,
				Expected: ">=" + profile.MinBridgeVersion, Actual: reported.BridgeVersion,
			})
		}
	}

	if desired.MaxSyncLagMs > 0 && reported.SyncLagMs > desired.MaxSyncLagMs {
		sev := SeverityMinor
		if reported.SyncLagMs >= 2*desired.MaxSyncLagMs {
			sev = SeverityCritical
		}
		out = append(out, Drift{
			Category: "sync", Severity: sev,
			Expected: fmt.Sprintf("<=%dms", desired.MaxSyncLagMs),
			Actual:   fmt.Sprintf("%dms", reported.SyncLagMs),
		})
	}

	if reported.ConsecutiveFailures >= 3 {
		out = append(out, Drift{
			Category: "runtime", Severity: SeverityCritical,
			Expected: "0 consecutive failures",
			Actual:   fmt.Sprintf("%d consecutive failures", reported.ConsecutiveFailures),
		})
	}

	return out
}

func computeViolations(drifts []Drift, reported ReportedState, profile PolicyProfile) []Violation {
	var out []Violation
	for _, d := range drifts {
		out = append(out, Violation{
			Code:     "drift_" + d.Category,
			Severity: d.Severity,
			Detail:   d.Actual,
		})
	}
	if !reported.SyncRunning {
		out = append(out, Violation{Code: "sync_not_running", Severity: SeverityWarn})
	}
	if profile.MaxConsecutiveFailures > 0 && reported.ConsecutiveFailures > profile.MaxConsecutiveFailures {
		out = append(out, Violation{
			Code:     "failure_burst",
			Severity: SeverityHigh,
			Detail:   fmt.Sprintf("%d failures over policy max %d", reported.ConsecutiveFailures, profile.MaxConsecutiveFailures),
		})
	}
	if profile.AllowedAuthMode != AuthAny && reported.AuthMode != "" && reported.AuthMode != profile.AllowedAuthMode {
		out = append(out, Violation{
			Code:     "auth_mode_mismatch",
			Severity: SeverityWarn,
			Detail:   string(reported.AuthMode),
		})
	}
	return out
}

// healthScore applies the fixed deduction table and clamps to [0,100].
func healthScore(t target.Target, reported ReportedState, drifts []Drift, violations []Violation, maxLagMs int64) int {
	score := 100
	if !reported.SyncRunning {
		score -= 15
	}
	if !reported.SyncAvailable {
		score -= 20
	}
	if reported.Stale {
		score -= 15
	}
	failures := reported.ConsecutiveFailures
	if failures > 4 {
		failures = 4
	}
	score -= 5 * failures
	if t.Type == target.TypeRemote && reported.HeartbeatAt == nil {
		score -= 20
	}
	if maxLagMs > 0 && reported.SyncLagMs > maxLagMs {
		score -= 10
	}
	score -= 8 * len(drifts)
	score -= 5 * len(violations)

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func riskLevel(score int) RiskLevel {
	switch {
	case score >= 85:
		return RiskLow
	case score >= 65:
		return RiskMedium
	case score >= 40:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// versionBelow reports whether reported is semver-less-than min. Values
// that do not parse as semver never report drift.
func versionBelow(reported, min string) bool {
	rv, err := semver.NewVersion(reported)
	if err != nil {
		return false
	}
	mv, err := semver.NewVersion(min)
	if err != nil {
		return false
	}
	return rv.LessThan(mv)
}

// EvaluateAll evaluates every enabled, non-test target, dispatching an
// alert per critical-or-worse violation.
func (e *Engine) EvaluateAll(now time.Time) []TargetStatus {
	var out []TargetStatus
	for _, t := range e.targets.List() {
		if !t.IsEvaluable() {
			continue
		}
		st := e.Evaluate(t, now)
		out = append(out, st)
		e.dispatchAlerts(st)
	}
	return out
}

func (e *Engine) dispatchAlerts(st TargetStatus) {
	if e.alerts == nil {
		return
	}
	for _, v := range st.Violations {
		if !v.Severity.AtLeast(SeverityHigh) {
			continue
		}
		e.alerts.Dispatch(Alert{
			Kind:     v.Code,
			TargetID: st.TargetID,
			Severity: v.Severity,
			Summary:  fmt.Sprintf("%s on target %s", v.Code, st.TargetID),
			Details:  v.Detail,
		})
	}
	if st.RiskLevel == RiskCritical {
		e.alerts.Dispatch(Alert{
			Kind:     "health_critical",
			TargetID: st.TargetID,
			Severity: SeverityCritical,
			Summary:  fmt.Sprintf("health score %d on target %s", st.HealthScore, st.TargetID),
		})
	}
}

// Run evaluates the fleet on interval until done closes.
func (e *Engine) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			e.EvaluateAll(now.UTC())
		}
	}
}
