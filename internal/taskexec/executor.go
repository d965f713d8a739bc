// Package taskexec implements the Task Executor (component L): the
// concrete actions the Cron Service can schedule against the fleet.
package taskexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/patzehq/patze-control/internal/attach"
	"github.com/patzehq/patze-control/internal/openclaw/sync"
	"github.com/patzehq/patze-control/internal/security"
	"github.com/patzehq/patze-control/internal/telemetry"
	"github.com/patzehq/patze-control/internal/telemetry/aggregator"
)

// Action names the supported task kinds.
const (
	ActionHealthCheck    = "health_check"
	ActionReconnect      = "reconnect_endpoints"
	ActionCleanup        = "cleanup_sessions"
	ActionGenerateReport = "generate_report"
	ActionCustomWebhook  = "custom_webhook"
	ActionOpenClawRun    = "openclaw_cron_run"
)

// allowedWebhookMethods is the method allowlist for custom_webhook.
var allowedWebhookMethods = map[string]bool{
	http.MethodGet:  true,
	http.MethodPost: true,
	http.MethodPut:  true,
}

// Executor implements the concrete task actions over the attachment
// orchestrator and the telemetry aggregator.
type Executor struct {
	log         *slog.Logger
	attachments *attach.Orchestrator
	agg         *aggregator.Aggregator
	binary      string
	cliTimeout  time.Duration
	client      *http.Client
}

// Option configures an Executor.
type Option func(*Executor)

// WithBinary overrides the openclaw CLI binary (tests).
func WithBinary(bin string) Option {
	return func(e *Executor) { e.binary = bin }
}

// WithCLITimeout bounds openclaw_cron_run execution; clamped to 10
// minutes.
func WithCLITimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 10*time.Minute {
			d = 10 * time.Minute
		}
		e.cliTimeout = d
	}
}

// WithHTTPClient overrides the webhook client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// New creates an Executor.
func New(attachments *attach.Orchestrator, agg *aggregator.Aggregator, log *slog.Logger, opts ...Option) *Executor {
	if log == nil {
		log = slog.Default()
	}
	e := &Executor{
		log:         log,
		attachments: attachments,
		agg:         agg,
		binary:      "openclaw",
		cliTimeout:  60 * time.Second,
		client:      &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute dispatches one action. Unknown actions fail.
func (e *Executor) Execute(ctx context.Context, action string, params map[string]any) (string, error) {
	switch action {
	case ActionHealthCheck:
		return e.healthCheck()
	case ActionReconnect:
		return e.reconnectEndpoints()
	case ActionCleanup:
		return e.cleanupSessions()
	case ActionGenerateReport:
		return e.generateReport()
	case ActionCustomWebhook:
		return e.customWebhook(ctx, params)
	case ActionOpenClawRun:
		return e.openclawCronRun(ctx, params)
	default:
		return "", fmt.Errorf("unknown task action %q", action)
	}
}

// healthCheck probes /health of every attachment.
func (e *Executor) healthCheck() (string, error) {
	ok, failed := 0, 0
	for _, a := range e.attachments.ListAttachments() {
		if err := e.attachments.ProbeAttachment(a.EndpointID); err != nil {
			failed++
		} else {
			ok++
		}
	}
	summary := fmt.Sprintf("%d healthy, %d failed", ok, failed)
	if failed > 0 {
		return summary, fmt.Errorf("%d attachments failed the health probe", failed)
	}
	return summary, nil
}

// reconnectEndpoints probes and, on failure, detaches and re-attaches
// from the stored endpoint config.
func (e *Executor) reconnectEndpoints() (string, error) {
	reconnected, failed := 0, 0
	for _, a := range e.attachments.ListAttachments() {
		if err := e.attachments.ProbeAttachment(a.EndpointID); err == nil {
			continue
		}
		if _, err := e.attachments.Reattach(a.EndpointID); err != nil {
			failed++
			e.log.Warn("endpoint reconnect failed", "endpoint", a.EndpointID, "error", err)
			continue
		}
		reconnected++
	}
	summary := fmt.Sprintf("%d reconnected, %d failed", reconnected, failed)
	if failed > 0 {
		return summary, fmt.Errorf("%d endpoints could not be reconnected", failed)
	}
	return summary, nil
}

// cleanupSessions counts non-terminal sessions older than 30 minutes. It
// reports; it does not mutate.
func (e *Executor) cleanupSessions() (string, error) {
	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	stale := 0
	for _, s := range e.agg.Snapshot().Sessions {
		if !telemetry.IsTerminal(s.State) && s.UpdatedAt.Before(cutoff) {
			stale++
		}
	}
	return fmt.Sprintf("%d stale sessions (report only)", stale), nil
}

// generateReport logs a structured summary of the unified snapshot.
func (e *Executor) generateReport() (string, error) {
	snap := e.agg.Snapshot()
	active := 0
	for _, r := range snap.Runs {
		if !telemetry.IsTerminal(r.State) {
			active++
		}
	}
	e.log.Info("fleet report",
		"machines", len(snap.Machines),
		"sessions", len(snap.Sessions),
		"runs", len(snap.Runs),
		"active_runs", active,
		"attached_nodes", e.agg.AttachedNodeCount(),
	)
	return fmt.Sprintf("%d machines, %d sessions, %d runs (%d active)",
		len(snap.Machines), len(snap.Sessions), len(snap.Runs), active), nil
}

// customWebhook POSTs (or GETs/PUTs) a validated URL. The SSRF guard
// runs before any I/O.
func (e *Executor) customWebhook(ctx context.Context, params map[string]any) (string, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return "", fmt.Errorf("custom_webhook requires a url param")
	}
	if err := security.ValidateWebhookURL(url); err != nil {
		return "", err
	}

	method := http.MethodPost
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !allowedWebhookMethods[method] {
		return "", fmt.Errorf("method %s is not allowed", method)
	}

	var body io.Reader
	if b, ok := params["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return fmt.Sprintf("%s %s -> %d", method, url, resp.StatusCode), nil
}

// openclawCronRun invokes `openclaw cron run <jobId>` with a validated
// job id and a bounded timeout.
func (e *Executor) openclawCronRun(ctx context.Context, params map[string]any) (string, error) {
	jobID, _ := params["jobId"].(string)
	if jobID == "" {
		return "", fmt.Errorf("openclaw_cron_run requires a jobId param")
	}
	if sync.SafeJobID(jobID) != jobID {
		return "", fmt.Errorf("job id contains unsafe characters")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cliTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.binary, "cron", "run", jobID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("openclaw cron run %s failed: %s", jobID, firstLine(stderr.String()))
	}
	return firstLine(stdout.String()), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
