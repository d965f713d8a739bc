package fleet

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patzehq/patze-control/internal/apierr"
	ocsync "github.com/patzehq/patze-control/internal/openclaw/sync"
	"github.com/patzehq/patze-control/internal/openclaw/target"
)

type staticTargets []target.Target

func (s staticTargets) List() []target.Target { return s }

func prodTarget(t *testing.T, id string) target.Target {
	t.Helper()
	return target.Target{
		ID:             id,
		Label:          id,
		Type:           target.TypeRemote,
		Origin:         target.OriginUser,
		Purpose:        target.PurposeProduction,
		OpenClawDir:    t.TempDir(),
		PollIntervalMs: 15000,
		Enabled:        true,
	}
}

func syncStatusFixed(st ocsync.Status, ok bool) SyncStatusFunc {
	return func(targetID string) (ocsync.Status, bool) { return st, ok }
}

func healthySync(now time.Time) ocsync.Status {
	recent := now.Add(-time.Second)
	return ocsync.Status{
		Running:              true,
		Available:            true,
		PollIntervalMs:       15000,
		LastSuccessfulSyncAt: &recent,
	}
}

func TestEvaluate_HealthyTargetScoresLowRisk(t *testing.T) {
	now := time.Now().UTC()
	tg := prodTarget(t, "tgt-1")
	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000})
	e := New(profiles, staticTargets{tg}, syncStatusFixed(healthySync(now), true), nil, nil)
	e.RecordCheckIn(tg.ID, CheckIn{MachineID: "m-1", HeartbeatAt: now})

	st := e.Evaluate(tg, now)
	require.Empty(t, st.Drifts)
	require.Equal(t, RiskLow, st.RiskLevel)
	require.Equal(t, 100, st.HealthScore)
}

func TestEvaluate_SyncLagDriftCritical(t *testing.T) {
	// lastSuccessfulSyncAt = now - 4min against maxSyncLagMs=120000: lag
	// 240000ms reaches 2x the max, so the drift is critical.
	now := time.Now().UTC()
	last := now.Add(-4 * time.Minute)
	st := ocsync.Status{Running: true, Available: true, LastSuccessfulSyncAt: &last}

	tg := prodTarget(t, "tgt-1")
	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000})
	e := New(profiles, staticTargets{tg}, syncStatusFixed(st, true), nil, nil)
	e.RecordCheckIn(tg.ID, CheckIn{MachineID: "m-1", HeartbeatAt: now})

	status := e.Evaluate(tg, now)
	require.Len(t, status.Drifts, 1)
	drift := status.Drifts[0]
	require.Equal(t, "sync", drift.Category)
	require.Equal(t, SeverityCritical, drift.Severity)
	require.Equal(t, "240000ms", drift.Actual)

	var codes []string
	for _, v := range status.Violations {
		codes = append(codes, v.Code)
	}
	require.Contains(t, codes, "drift_sync")
}

func TestEvaluate_SyncLagMinorBetweenOneAndTwoX(t *testing.T) {
	now := time.Now().UTC()
	last := now.Add(-3 * time.Minute) // 180000ms: over max, under 2x
	st := ocsync.Status{Running: true, Available: true, LastSuccessfulSyncAt: &last}

	tg := prodTarget(t, "tgt-1")
	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000})
	e := New(profiles, staticTargets{tg}, syncStatusFixed(st, true), nil, nil)

	status := e.Evaluate(tg, now)
	require.Len(t, status.Drifts, 1)
	require.Equal(t, SeverityMinor, status.Drifts[0].Severity)
}

func TestEvaluate_ConfigAndVersionDrift(t *testing.T) {
	now := time.Now().UTC()
	tg := prodTarget(t, "tgt-1")
	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000, MinBridgeVersion: "2.1.0"})
	e := New(profiles, staticTargets{tg}, syncStatusFixed(healthySync(now), true), nil, nil)
	e.RecordCheckIn(tg.ID, CheckIn{
		MachineID:     "m-1",
		BridgeVersion: "2.0.3",
		ConfigHash:    "deadbeef",
		HeartbeatAt:   now,
	})

	st := e.Evaluate(tg, now)
	categories := map[string]Severity{}
	for _, d := range st.Drifts {
		categories[d.Category] = d.Severity
	}
	require.Equal(t, SeverityMajor, categories["config"])
	require.Equal(t, SeverityMajor, categories["version"])
}

func TestEvaluate_RuntimeDriftAndFailureBurst(t *testing.T) {
	now := time.Now().UTC()
	st := healthySync(now)
	st.ConsecutiveFailures = 5

	tg := prodTarget(t, "tgt-1")
	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000, MaxConsecutiveFailures: 3})
	e := New(profiles, staticTargets{tg}, syncStatusFixed(st, true), nil, nil)
	e.RecordCheckIn(tg.ID, CheckIn{MachineID: "m-1", HeartbeatAt: now})

	status := e.Evaluate(tg, now)
	require.Len(t, status.Drifts, 1)
	require.Equal(t, "runtime", status.Drifts[0].Category)
	require.Equal(t, SeverityCritical, status.Drifts[0].Severity)

	var codes []string
	for _, v := range status.Violations {
		codes = append(codes, v.Code)
	}
	require.Contains(t, codes, "failure_burst")
}

func TestEvaluate_AuthModeMismatch(t *testing.T) {
	now := time.Now().UTC()
	tg := prodTarget(t, "tgt-1")
	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000, AllowedAuthMode: AuthToken})
	e := New(profiles, staticTargets{tg}, syncStatusFixed(healthySync(now), true), nil, nil)
	e.RecordCheckIn(tg.ID, CheckIn{MachineID: "m-1", AuthMode: AuthNone, HeartbeatAt: now})

	status := e.Evaluate(tg, now)
	var codes []string
	for _, v := range status.Violations {
		codes = append(codes, v.Code)
	}
	require.Contains(t, codes, "auth_mode_mismatch")
}

func TestHealthScore_DeductionsAndClamp(t *testing.T) {
	now := time.Now().UTC()
	tg := prodTarget(t, "tgt-1")

	// Remote target, no heartbeat, nothing synced: -15 (not running),
	// -20 (unavailable), -15 (stale), -20 (no heartbeat) = 30.
	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000})
	e := New(profiles, staticTargets{tg}, syncStatusFixed(ocsync.Status{Stale: true}, true), nil, nil)
	st := e.Evaluate(tg, now)
	// Plus -5 for the sync_not_running violation.
	require.Equal(t, 25, st.HealthScore)
	require.Equal(t, RiskCritical, st.RiskLevel)
}

func TestRiskLevels(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{100, RiskLow}, {85, RiskLow},
		{84, RiskMedium}, {65, RiskMedium},
		{64, RiskHigh}, {40, RiskHigh},
		{39, RiskCritical}, {0, RiskCritical},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, riskLevel(tt.score), "score %d", tt.score)
	}
}

func TestEvaluateAll_SkipsTestAndSmokeTargets(t *testing.T) {
	now := time.Now().UTC()
	prod := prodTarget(t, "tgt-prod")
	testTgt := prodTarget(t, "tgt-test")
	testTgt.Purpose = target.PurposeTest
	smoke := prodTarget(t, "tgt-smoke")
	smoke.Origin = target.OriginSmoke
	smoke.Purpose = target.PurposeTest
	disabled := prodTarget(t, "tgt-off")
	disabled.Enabled = false

	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000})
	e := New(profiles, staticTargets{prod, testTgt, smoke, disabled}, syncStatusFixed(healthySync(now), true), nil, nil)

	statuses := e.EvaluateAll(now)
	require.Len(t, statuses, 1)
	require.Equal(t, "tgt-prod", statuses[0].TargetID)
}

func TestVersionBelow(t *testing.T) {
	require.True(t, versionBelow("1.2.3", "1.3.0"))
	require.False(t, versionBelow("1.3.0", "1.3.0"))
	require.False(t, versionBelow("2.0.0", "1.9.9"))
	require.False(t, versionBelow("not-a-version", "1.0.0"))
}

func TestAlertRouter_CooldownSuppresses(t *testing.T) {
	var mu sync.Mutex
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
	}))
	defer srv.Close()

	router, err := NewAlertRouter(t.TempDir(), nil, WithCooldown(time.Hour))
	require.NoError(t, err)
	router.mu.Lock()
	router.destinations = []Destination{{ID: "d1", WebhookURL: srv.URL, MinimumSeverity: SeverityWarn}}
	router.mu.Unlock()

	alert := Alert{Kind: "drift_sync", TargetID: "tgt-1", Severity: SeverityCritical, Summary: "lag"}
	require.Equal(t, 1, router.Dispatch(alert))
	require.Equal(t, 0, router.Dispatch(alert), "repeat within cooldown must be suppressed")

	other := alert
	other.Summary = "different summary"
	require.Equal(t, 1, router.Dispatch(other), "different summary is a different cooldown key")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, received)
}

func TestAlertRouter_RulesAndMinimumSeverity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	router, err := NewAlertRouter(t.TempDir(), nil)
	require.NoError(t, err)
	router.mu.Lock()
	router.destinations = []Destination{
		{ID: "pager", WebhookURL: srv.URL, MinimumSeverity: SeverityCritical},
		{ID: "chat", WebhookURL: srv.URL, MinimumSeverity: SeverityWarn},
	}
	router.rules = []Rule{
		{ID: "r1", MinSeverity: SeverityHigh, Scope: ScopeTargetIDs, TargetIDs: []string{"tgt-1"}, DestinationIDs: []string{"pager", "chat"}},
	}
	router.mu.Unlock()

	// High severity on tgt-1: rule matches, but pager's own minimum
	// (critical) filters it out.
	n := router.Dispatch(Alert{Kind: "failure_burst", TargetID: "tgt-1", Severity: SeverityHigh, Summary: "s1"})
	require.Equal(t, 1, n)

	// Wrong target: rule does not match.
	n = router.Dispatch(Alert{Kind: "failure_burst", TargetID: "tgt-2", Severity: SeverityHigh, Summary: "s2"})
	require.Equal(t, 0, n)

	// Below the rule's severity floor.
	n = router.Dispatch(Alert{Kind: "drift_sync", TargetID: "tgt-1", Severity: SeverityWarn, Summary: "s3"})
	require.Equal(t, 0, n)
}

func TestAlertRouter_RejectsPrivateWebhook(t *testing.T) {
	router, err := NewAlertRouter(t.TempDir(), nil)
	require.NoError(t, err)
	err = router.SetDestinations([]Destination{{ID: "d1", WebhookURL: "http://127.0.0.1/hook"}})
	require.Error(t, err)
}

func TestAlertRouter_PersistsConfig(t *testing.T) {
	dir := t.TempDir()
	router, err := NewAlertRouter(dir, nil)
	require.NoError(t, err)
	require.NoError(t, router.SetRules([]Rule{{ID: "r1", MinSeverity: SeverityHigh, Scope: ScopeAll}}))

	reloaded, err := NewAlertRouter(dir, nil)
	require.NoError(t, err)
	require.Len(t, reloaded.Rules(), 1)
}

func TestApplyBatch_ApprovalFlow(t *testing.T) {
	now := time.Now().UTC()

	// Five remote targets with no heartbeat, no sync: all preview critical.
	var tgs staticTargets
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		tgs = append(tgs, prodTarget(t, id))
	}
	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000})
	strict, err := profiles.Create(PolicyProfile{
		Name: "strict", MaxSyncLagMs: 1000, AllowedAuthMode: AuthToken, MaxConsecutiveFailures: 1,
	})
	require.NoError(t, err)

	e := New(profiles, tgs, syncStatusFixed(ocsync.Status{Stale: true}, true), nil, nil)
	approver := NewApprover(3, time.Minute)

	req := BatchRequest{ReconcileAfterApply: true}
	for _, tg := range tgs {
		req.Items = append(req.Items, BatchItem{TargetID: tg.ID, PolicyID: strict.ID})
	}

	// First submit: over threshold, no token -> approval required.
	_, approval, err := e.ApplyBatch(approver, req, now)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.ApprovalRequired, apiErr.Code)
	require.NotNil(t, approval)
	require.NotEmpty(t, approval.Token)

	// Resubmit with the token: applied.
	req.ApprovalToken = approval.Token
	summary, _, err := e.ApplyBatch(approver, req, now)
	require.NoError(t, err)
	require.Equal(t, 5, summary.Applied)
	require.Len(t, summary.Statuses, 5, "reconcileAfterApply returns statuses")

	// Token reuse: approval_not_found.
	_, _, err = e.ApplyBatch(approver, req, now)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.ApprovalNotFound, apiErr.Code)
}

func TestApplyBatch_TokenExpiryAndSignatureBinding(t *testing.T) {
	now := time.Now().UTC()
	tgs := staticTargets{prodTarget(t, "t1"), prodTarget(t, "t2")}
	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000})
	strict, _ := profiles.Create(PolicyProfile{Name: "strict", MaxSyncLagMs: 1000, AllowedAuthMode: AuthAny, MaxConsecutiveFailures: 1})

	e := New(profiles, tgs, syncStatusFixed(ocsync.Status{Stale: true}, true), nil, nil)
	approver := NewApprover(1, time.Minute)

	req := BatchRequest{Items: []BatchItem{
		{TargetID: "t1", PolicyID: strict.ID},
		{TargetID: "t2", PolicyID: strict.ID},
	}}
	_, approval, err := e.ApplyBatch(approver, req, now)
	require.Error(t, err)
	require.NotNil(t, approval)

	// A token echoed against a different request fails the signature check.
	altered := req
	altered.ReconcileAfterApply = true
	altered.ApprovalToken = approval.Token
	_, _, err = e.ApplyBatch(approver, altered, now)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.ApprovalSignatureBad, apiErr.Code)

	// Expired token.
	_, approval, err = e.ApplyBatch(approver, req, now)
	require.Error(t, err)
	require.NotNil(t, approval)
	req.ApprovalToken = approval.Token
	_, _, err = e.ApplyBatch(approver, req, now.Add(2*time.Minute))
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.ApprovalExpired, apiErr.Code)
}

func TestApplyBatch_UnderThresholdNeedsNoToken(t *testing.T) {
	now := time.Now().UTC()
	tg := prodTarget(t, "t1")
	profiles := NewProfileStore(PolicyProfile{MaxSyncLagMs: 120000})
	e := New(profiles, staticTargets{tg}, syncStatusFixed(healthySync(now), true), nil, nil)
	e.RecordCheckIn(tg.ID, CheckIn{MachineID: "m-1", HeartbeatAt: now})
	approver := NewApprover(3, time.Minute)

	summary, approval, err := e.ApplyBatch(approver, BatchRequest{
		Items: []BatchItem{{TargetID: "t1", PolicyID: DefaultProfileID}},
	}, now)
	require.NoError(t, err)
	require.Nil(t, approval)
	require.Equal(t, 1, summary.Applied)
}

func TestProfileStore_DefaultAlwaysExists(t *testing.T) {
	s := NewProfileStore(PolicyProfile{})
	def, ok := s.Get(DefaultProfileID)
	require.True(t, ok)
	require.Equal(t, "default", def.Name)
	require.Error(t, s.Remove(DefaultProfileID))

	// A target with no assignment resolves to the default.
	require.Equal(t, DefaultProfileID, s.ProfileFor("anything").ID)

	p, err := s.Create(PolicyProfile{Name: "edge", MaxSyncLagMs: 60000, AllowedAuthMode: AuthToken, MaxConsecutiveFailures: 2})
	require.NoError(t, err)
	require.NoError(t, s.Assign("tgt-1", p.ID))
	require.Equal(t, p.ID, s.ProfileFor("tgt-1").ID)

	// Removing a profile drops its assignments back to the default.
	require.NoError(t, s.Remove(p.ID))
	require.Equal(t, DefaultProfileID, s.ProfileFor("tgt-1").ID)
}

func TestSeverityOrdering(t *testing.T) {
	require.True(t, SeverityCritical.AtLeast(SeverityWarn))
	require.True(t, SeverityHigh.AtLeast(SeverityHigh))
	require.False(t, SeverityMinor.AtLeast(SeverityMajor))
}
