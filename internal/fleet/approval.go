package fleet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	stdsync "sync"
	"time"

	"github.com/patzehq/patze-control/internal/apierr"
	"github.com/patzehq/patze-control/internal/idgen"
	"github.com/patzehq/patze-control/internal/openclaw/target"
)

// BatchItem assigns one policy to one target.
type BatchItem struct {
	TargetID string `json:"targetId"`
	PolicyID string `json:"policyId"`
}

// BatchRequest is an idempotent batched policy application.
type BatchRequest struct {
	Items               []BatchItem `json:"items"`
	ReconcileAfterApply bool        `json:"reconcileAfterApply"`
	ApprovalToken       string      `json:"approvalToken,omitempty"`
}

// Approval is the token a caller must echo back when the preview crosses
// the critical threshold.
type Approval struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BatchSummary is the outcome of a completed batch apply.
type BatchSummary struct {
	Applied       int            `json:"applied"`
	CriticalCount int            `json:"criticalCount"`
	Statuses      []TargetStatus `json:"statuses,omitempty"`
}

// pendingApproval is a single-use token bound to a request signature.
type pendingApproval struct {
	token     string
	signature string
	expiresAt time.Time
}

// Approver gates batch applies: when the previewed assignment would
// leave more than the threshold of targets critical, it demands a
// single-use, signature-bound, 5-minute token.
type Approver struct {
	threshold int
	ttl       time.Duration

	mu      stdsync.Mutex
	pending map[string]pendingApproval // token -> approval
}

// NewApprover creates an Approver. threshold is the maximum number of
// previewed-critical targets allowed without approval.
func NewApprover(threshold int, ttl time.Duration) *Approver {
	if threshold <= 0 {
		threshold = 3
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Approver{
		threshold: threshold,
		ttl:       ttl,
		pending:   make(map[string]pendingApproval),
	}
}

// signature computes the stable identity of a batch request: sorted
// (targetId, policyId) pairs plus the reconcile flag.
func signature(req BatchRequest) string {
	pairs := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		pairs = append(pairs, item.TargetID+"|"+item.PolicyID)
	}
	sort.Strings(pairs)
	payload := strings.Join(pairs, ";") + ";reconcile=" + fmt.Sprint(req.ReconcileAfterApply)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ApplyBatch previews the request, demands approval when the preview
// leaves more than the threshold of targets critical, and otherwise
// applies the assignments. The engine's lock ordering keeps this path
// serialized with respect to evaluation.
func (e *Engine) ApplyBatch(approver *Approver, req BatchRequest, now time.Time) (*BatchSummary, *Approval, error) {
	if len(req.Items) == 0 {
		return nil, nil, apierr.New(apierr.InvalidBody, "items must not be empty")
	}

	targetsByID := make(map[string]target.Target)
	for _, t := range e.targets.List() {
		targetsByID[t.ID] = t
	}

	// Preview: score each target under its candidate profile.
	criticalCount := 0
	for _, item := range req.Items {
		t, ok := targetsByID[item.TargetID]
		if !ok {
			return nil, nil, apierr.New(apierr.TargetNotFound, "unknown target "+item.TargetID)
		}
		profile, ok := e.profiles.Get(item.PolicyID)
		if !ok {
			return nil, nil, apierr.New(apierr.InvalidBody, "unknown policy "+item.PolicyID)
		}
		if e.evaluateWithProfile(t, profile, now).RiskLevel == RiskCritical {
			criticalCount++
		}
	}

	sig := signature(req)
	if criticalCount > approver.threshold {
		if req.ApprovalToken == "" {
			approval := approver.issue(sig, now)
			return nil, &approval, apierr.New(apierr.ApprovalRequired,
				fmt.Sprintf("%d targets would become critical; approval required", criticalCount))
		}
		if err := approver.consume(req.ApprovalToken, sig, now); err != nil {
			return nil, nil, err
		}
	}

	// Apply assignments.
	applied := 0
	for _, item := range req.Items {
		if err := e.profiles.Assign(item.TargetID, item.PolicyID); err != nil {
			return nil, nil, apierr.Wrap(apierr.ReconcileFailed, "assigning policy", err)
		}
		applied++
	}

	summary := &BatchSummary{Applied: applied, CriticalCount: criticalCount}
	if req.ReconcileAfterApply {
		summary.Statuses = e.EvaluateAll(now)
	}
	return summary, nil, nil
}

// issue creates a new single-use token bound to the signature.
func (a *Approver) issue(sig string, now time.Time) Approval {
	a.mu.Lock()
	defer a.mu.Unlock()
	token := idgen.New("approval")
	a.pending[token] = pendingApproval{
		token:     token,
		signature: sig,
		expiresAt: now.Add(a.ttl),
	}
	return Approval{Token: token, ExpiresAt: now.Add(a.ttl)}
}

// consume validates and burns a token. A consumed, expired, or
// wrong-signature token fails with the matching taxonomy code.
func (a *Approver) consume(token, sig string, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[token]
	if !ok {
		return apierr.New(apierr.ApprovalNotFound, "approval token not found or already used")
	}
	delete(a.pending, token)
	if now.After(p.expiresAt) {
		return apierr.New(apierr.ApprovalExpired, "approval token expired")
	}
	if p.signature != sig {
		return apierr.New(apierr.ApprovalSignatureBad, "approval token was issued for a different request")
	}
	return nil
}
