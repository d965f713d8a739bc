// Package bridgesetup implements the Bridge Setup Manager (component F):
// it installs and starts the remote bridge agent over SSH, with a
// sudo/user-mode fallback, content-hash idempotent uploads, and a
// per-bridge state machine surfaced to the UI.
package bridgesetup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

// State is a managed bridge's lifecycle state.
type State string

const (
	StateInstalling        State = "installing"
	StateNeedsSudoPassword State = "needs_sudo_password"
	StateTunnelOpen        State = "tunnel_open"
	StateTelemetryActive   State = "telemetry_active"
	StateRunning           State = "running"
	StateError             State = "error"
	StateDisconnected      State = "disconnected"
)

// Commander runs commands and uploads files on a connected remote host.
type Commander interface {
	Run(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error)
	RunInput(ctx context.Context, cmd, stdin string) (stdout, stderr string, exitCode int, err error)
	Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
	Close() error
}

// DialParams names what a Dialer needs to connect.
type DialParams struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	KnownHostsPath string
}

// Dialer connects to a remote host and returns a Commander over it.
type Dialer func(ctx context.Context, p DialParams) (Commander, error)

// MachineProbe reports whether telemetry from the bridge identified by
// bridgeID has been observed, returning the machine id when it has.
type MachineProbe func(ctx context.Context, bridgeID string) (string, bool)

// SetupInput describes one bridge install.
type SetupInput struct {
	ID             string `json:"id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	PrivateKeyPath string `json:"privateKeyPath"`
	KnownHostsPath string `json:"knownHostsPath,omitempty"`
	RemoteDir      string `json:"remoteDir,omitempty"`
	ServiceName    string `json:"serviceName,omitempty"`

	Bundle []byte `json:"-"`
	Config []byte `json:"-"`
}

// Status is a point-in-time snapshot of a managed bridge.
type Status struct {
	ID        string       `json:"id"`
	State     State        `json:"state"`
	Error     string       `json:"error,omitempty"`
	Class     FailureClass `json:"errorClass,omitempty"`
	MachineID string       `json:"machineId,omitempty"`
	UserMode  bool         `json:"userMode"`
	Note      string       `json:"note,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Logs      []string     `json:"logs"`
}

// bridge is the manager's record of one managed install.
type bridge struct {
	input     SetupInput
	state     State
	errMsg    string
	class     FailureClass
	machineID string
	userMode  bool
	note      string
	updatedAt time.Time
	logs      *logRing
}

// Manager owns the set of managed bridges. All state mutations go through
// the manager's lock; the slow SSH work happens outside it.
type Manager struct {
	dial  Dialer
	probe MachineProbe
	log   *slog.Logger

	installTimeout  time.Duration
	telemetryWindow time.Duration
	telemetryPoll   time.Duration

	mu      sync.RWMutex
	bridges map[string]*bridge
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeouts overrides the install and telemetry-wait windows.
func WithTimeouts(install, telemetryWindow, telemetryPoll time.Duration) Option {
	return func(m *Manager) {
		m.installTimeout = install
		m.telemetryWindow = telemetryWindow
		m.telemetryPoll = telemetryPoll
	}
}

// New creates a Manager. dial connects to remote hosts; probe reports when
// bridge telemetry has arrived.
func New(dial Dialer, probe MachineProbe, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		dial:            dial,
		probe:           probe,
		log:             log,
		installTimeout:  5 * time.Minute,
		telemetryWindow: 60 * time.Second,
		telemetryPoll:   2 * time.Second,
		bridges:         make(map[string]*bridge),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

const defaultRemoteDir = ".openclaw-bridge"
const defaultService = "openclaw-bridge"

// Setup connects, uploads the bridge bundle and config (skipping uploads
// whose content hash is unchanged), and attempts a system-mode install.
// If sudo requires a password the bridge stops in needs_sudo_password; the
// operator resumes with RetryInstallWithSudoPassword.
func (m *Manager) Setup(ctx context.Context, in SetupInput) (Status, error) {
	if in.ID == "" {
		return Status{}, fmt.Errorf("bridge id is required")
	}
	if in.RemoteDir == "" {
		in.RemoteDir = defaultRemoteDir
	}
	if in.ServiceName == "" {
		in.ServiceName = defaultService
	}

	b := m.upsert(in)
	m.transition(b, StateInstalling, "", FailureClass(""))

	ctx, cancel := context.WithTimeout(ctx, m.installTimeout)
	defer cancel()

	conn, err := m.connect(ctx, b)
	if err != nil {
		return m.status(in.ID), err
	}
	defer conn.Close()

	changed, err := m.uploadArtifacts(ctx, b, conn)
	if err != nil {
		m.fail(b, FailExec, "uploading bridge artifacts failed")
		return m.status(in.ID), err
	}

	// sudo -n probes whether passwordless sudo is available before any
	// restart is attempted.
	_, stderr, code, err := conn.Run(ctx, "sudo -n true")
	if err != nil {
		m.fail(b, FailExec, "probing sudo failed")
		return m.status(in.ID), err
	}
	if code != 0 {
		if sudoNeedsPassword(stderr) {
			m.transition(b, StateNeedsSudoPassword, "", "")
			m.appendLog(b, "sudo requires a password; waiting for operator")
			return m.status(in.ID), nil
		}
		// No sudo at all on this account: go straight to user mode.
		m.appendLog(b, "sudo unavailable, falling back to user-mode install")
		return m.finishUserMode(ctx, b, conn)
	}

	return m.finishSystemMode(ctx, b, conn, changed, "sudo -n")
}

// RetryInstallWithSudoPassword resumes a needs_sudo_password install. If
// nothing changed and the service is already active, the restart is
// skipped; if sudo still fails with the password, the install falls back
// to user mode.
func (m *Manager) RetryInstallWithSudoPassword(ctx context.Context, id, password string) (Status, error) {
	b, ok := m.get(id)
	if !ok {
		return Status{}, fmt.Errorf("bridge %q not found", id)
	}
	if cur := m.status(id).State; cur != StateNeedsSudoPassword && cur != StateError {
		return m.status(id), fmt.Errorf("bridge %q is %s, not awaiting a sudo password", id, cur)
	}

	m.transition(b, StateInstalling, "", "")

	ctx, cancel := context.WithTimeout(ctx, m.installTimeout)
	defer cancel()

	conn, err := m.connect(ctx, b)
	if err != nil {
		return m.status(id), err
	}
	defer conn.Close()

	changed, err := m.uploadArtifacts(ctx, b, conn)
	if err != nil {
		m.fail(b, FailExec, "uploading bridge artifacts failed")
		return m.status(id), err
	}

	if !changed {
		if active := m.serviceActive(ctx, conn, "sudo -S", password, b.input.ServiceName); active {
			m.appendLog(b, "binary and config unchanged and service active; skipping restart")
			return m.awaitTelemetry(ctx, b)
		}
	}

	installCmd := fmt.Sprintf("sudo -S bash %s --system", shellQuote(path.Join(b.input.RemoteDir, "install.sh")))
	_, stderr, code, err := conn.RunInput(ctx, installCmd, password+"\n")
	if err != nil {
		m.fail(b, FailExec, "running installer failed")
		return m.status(id), err
	}
	if code != 0 {
		if sudoNeedsPassword(stderr) || strings.Contains(stderr, "incorrect password") {
			m.appendLog(b, "sudo rejected the password; falling back to user-mode install")
			return m.finishUserMode(ctx, b, conn)
		}
		m.fail(b, FailExec, "installer exited non-zero")
		return m.status(id), fmt.Errorf("installer exited with code %d", code)
	}

	m.appendLog(b, "system-mode install succeeded")
	return m.awaitTelemetry(ctx, b)
}

// RetryInstallUserMode forces the user-mode install path.
func (m *Manager) RetryInstallUserMode(ctx context.Context, id string) (Status, error) {
	b, ok := m.get(id)
	if !ok {
		return Status{}, fmt.Errorf("bridge %q not found", id)
	}

	m.transition(b, StateInstalling, "", "")

	ctx, cancel := context.WithTimeout(ctx, m.installTimeout)
	defer cancel()

	conn, err := m.connect(ctx, b)
	if err != nil {
		return m.status(id), err
	}
	defer conn.Close()

	if _, err := m.uploadArtifacts(ctx, b, conn); err != nil {
		m.fail(b, FailExec, "uploading bridge artifacts failed")
		return m.status(id), err
	}

	return m.finishUserMode(ctx, b, conn)
}

// GetStatus returns the current snapshot for a managed bridge.
func (m *Manager) GetStatus(id string) (Status, bool) {
	m.mu.RLock()
	_, ok := m.bridges[id]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return m.status(id), true
}

// ListStatuses returns snapshots for every managed bridge.
func (m *Manager) ListStatuses() []Status {
	m.mu.RLock()
	ids := make([]string, 0, len(m.bridges))
	for id := range m.bridges {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.status(id))
	}
	return out
}

// MarkDisconnected records that the bridge's tunnel dropped.
func (m *Manager) MarkDisconnected(id string) {
	if b, ok := m.get(id); ok {
		m.transition(b, StateDisconnected, "", "")
	}
}

func (m *Manager) connect(ctx context.Context, b *bridge) (Commander, error) {
	conn, err := m.dial(ctx, DialParams{
		Host:           b.input.Host,
		Port:           b.input.Port,
		User:           b.input.User,
		PrivateKeyPath: b.input.PrivateKeyPath,
		KnownHostsPath: b.input.KnownHostsPath,
	})
	if err != nil {
		class := ClassifyDialError(err)
		m.fail(b, class, scrubDialError(err))
		m.appendLog(b, "ssh connect failed: "+err.Error())
		return nil, err
	}
	m.appendLog(b, "ssh connected to "+b.input.Host)
	return conn, nil
}

// uploadArtifacts uploads the bundle and config, comparing content hashes
// first so unchanged files are not re-sent. Returns whether anything
// changed on the remote side.
func (m *Manager) uploadArtifacts(ctx context.Context, b *bridge, conn Commander) (bool, error) {
	if _, _, code, err := conn.Run(ctx, "mkdir -p "+shellQuote(b.input.RemoteDir)); err != nil || code != 0 {
		return false, fmt.Errorf("creating remote directory: exit %d, %v", code, err)
	}

	changed := false
	artifacts := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{"bridge-bundle.tar.gz", b.input.Bundle, 0o644},
		{"config.yaml", b.input.Config, 0o600},
	}
	for _, a := range artifacts {
		if len(a.data) == 0 {
			continue
		}
		remote := path.Join(b.input.RemoteDir, a.name)
		if m.remoteHashMatches(ctx, conn, remote, a.data) {
			m.appendLog(b, a.name+" unchanged, skipping upload")
			continue
		}
		if err := conn.Upload(ctx, remote, a.data, a.mode); err != nil {
			return changed, fmt.Errorf("uploading %s: %w", a.name, err)
		}
		m.appendLog(b, "uploaded "+a.name)
		changed = true
	}

	if changed && len(b.input.Bundle) > 0 {
		unpack := fmt.Sprintf("tar -xzf %s -C %s",
			shellQuote(path.Join(b.input.RemoteDir, "bridge-bundle.tar.gz")),
			shellQuote(b.input.RemoteDir))
		if _, _, code, err := conn.Run(ctx, unpack); err != nil || code != 0 {
			return changed, fmt.Errorf("unpacking bundle: exit %d, %v", code, err)
		}
		m.appendLog(b, "unpacked bridge bundle")
	}

	return changed, nil
}

func (m *Manager) remoteHashMatches(ctx context.Context, conn Commander, remotePath string, data []byte) bool {
	stdout, _, code, err := conn.Run(ctx, "sha256sum "+shellQuote(remotePath)+" 2>/dev/null")
	if err != nil || code != 0 {
		return false
	}
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return false
	}
	sum := sha256.Sum256(data)
	return fields[0] == hex.EncodeToString(sum[:])
}

// finishSystemMode runs the installer under sudo and waits for telemetry.
// Restart is skipped when nothing changed and the service is active.
func (m *Manager) finishSystemMode(ctx context.Context, b *bridge, conn Commander, changed bool, sudo string) (Status, error) {
	if !changed && m.serviceActive(ctx, conn, sudo, "", b.input.ServiceName) {
		m.appendLog(b, "binary and config unchanged and service active; skipping restart")
		return m.awaitTelemetry(ctx, b)
	}

	installCmd := fmt.Sprintf("%s bash %s --system", sudo, shellQuote(path.Join(b.input.RemoteDir, "install.sh")))
	_, stderr, code, err := conn.Run(ctx, installCmd)
	if err != nil {
		m.fail(b, FailExec, "running installer failed")
		return m.status(b.input.ID), err
	}
	if code != 0 {
		if sudoNeedsPassword(stderr) {
			m.transition(b, StateNeedsSudoPassword, "", "")
			m.appendLog(b, "sudo requires a password; waiting for operator")
			return m.status(b.input.ID), nil
		}
		m.fail(b, FailExec, "installer exited non-zero")
		return m.status(b.input.ID), fmt.Errorf("installer exited with code %d", code)
	}

	m.appendLog(b, "system-mode install succeeded")
	return m.awaitTelemetry(ctx, b)
}

// finishUserMode uploads nothing new (artifacts are already up) and runs
// the installer with --user-mode, no sudo involved.
func (m *Manager) finishUserMode(ctx context.Context, b *bridge, conn Commander) (Status, error) {
	m.setUserMode(b, true)

	installCmd := fmt.Sprintf("bash %s --user-mode", shellQuote(path.Join(b.input.RemoteDir, "install.sh")))
	_, _, code, err := conn.Run(ctx, installCmd)
	if err != nil {
		m.fail(b, FailExec, "running user-mode installer failed")
		return m.status(b.input.ID), err
	}
	if code != 0 {
		m.fail(b, FailExec, "user-mode installer exited non-zero")
		return m.status(b.input.ID), fmt.Errorf("user-mode installer exited with code %d", code)
	}

	m.appendLog(b, "user-mode install succeeded")
	return m.awaitTelemetry(ctx, b)
}

func (m *Manager) serviceActive(ctx context.Context, conn Commander, sudo, password, service string) bool {
	cmd := fmt.Sprintf("%s systemctl is-active %s", sudo, shellQuote(service))
	var stdout string
	var code int
	var err error
	if password != "" {
		stdout, _, code, err = conn.RunInput(ctx, cmd, password+"\n")
	} else {
		stdout, _, code, err = conn.Run(ctx, cmd)
	}
	return err == nil && code == 0 && strings.TrimSpace(stdout) == "active"
}

// awaitTelemetry polls for the bridge's machine id within the bounded
// window; the bridge ends telemetry_active on success, or running with a
// timeout note otherwise.
func (m *Manager) awaitTelemetry(ctx context.Context, b *bridge) (Status, error) {
	m.transition(b, StateTunnelOpen, "", "")

	if m.probe == nil {
		m.transition(b, StateRunning, "", "")
		return m.status(b.input.ID), nil
	}

	deadline := time.Now().Add(m.telemetryWindow)
	for {
		if machineID, ok := m.probe(ctx, b.input.ID); ok {
			m.setMachineID(b, machineID)
			m.transition(b, StateTelemetryActive, "", "")
			m.appendLog(b, "telemetry active, machine "+machineID)
			return m.status(b.input.ID), nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(m.telemetryPoll):
		}
	}

	m.setNote(b, "installed, but no telemetry observed within the wait window")
	m.transition(b, StateRunning, "", "")
	m.appendLog(b, "telemetry wait timed out; bridge left running")
	return m.status(b.input.ID), nil
}

func (m *Manager) upsert(in SetupInput) *bridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[in.ID]
	if !ok {
		b = &bridge{logs: newLogRing(200)}
		m.bridges[in.ID] = b
	}
	b.input = in
	return b
}

func (m *Manager) get(id string) (*bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bridges[id]
	return b, ok
}

func (m *Manager) transition(b *bridge, s State, errMsg string, class FailureClass) {
	m.mu.Lock()
	b.state = s
	b.errMsg = errMsg
	b.class = class
	b.updatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.log.Info("bridge state", "bridge", b.input.ID, "state", string(s))
}

func (m *Manager) fail(b *bridge, class FailureClass, msg string) {
	m.transition(b, StateError, msg, class)
}

func (m *Manager) setMachineID(b *bridge, id string) {
	m.mu.Lock()
	b.machineID = id
	m.mu.Unlock()
}

func (m *Manager) setUserMode(b *bridge, on bool) {
	m.mu.Lock()
	b.userMode = on
	m.mu.Unlock()
}

func (m *Manager) setNote(b *bridge, note string) {
	m.mu.Lock()
	b.note = note
	m.mu.Unlock()
}

func (m *Manager) appendLog(b *bridge, line string) {
	m.mu.Lock()
	b.logs.append(time.Now().UTC().Format(time.RFC3339) + " " + line)
	m.mu.Unlock()
}

func (m *Manager) status(id string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bridges[id]
	if !ok {
		return Status{}
	}
	return Status{
		ID:        b.input.ID,
		State:     b.state,
		Error:     b.errMsg,
		Class:     b.class,
		MachineID: b.machineID,
		UserMode:  b.userMode,
		Note:      b.note,
		UpdatedAt: b.updatedAt,
		Logs:      b.logs.lines(),
	}
}

func sudoNeedsPassword(stderr string) bool {
	return strings.Contains(stderr, "a password is required") ||
		strings.Contains(stderr, "password is required") ||
		strings.Contains(stderr, "a terminal is required")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// logRing is a bounded ring of setup log lines for UI consumption.
type logRing struct {
	entries []string
	head    int
	full    bool
}

func newLogRing(capacity int) *logRing {
	return &logRing{entries: make([]string, capacity)}
}

func (r *logRing) append(line string) {
	r.entries[r.head] = line
	r.head = (r.head + 1) % len(r.entries)
	if r.head == 0 {
		r.full = true
	}
}

// lines returns the buffered lines, oldest first.
func (r *logRing) lines() []string {
	n := r.head
	if r.full {
		n = len(r.entries)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := i
		if r.full {
			idx = (r.head + i) % len(r.entries)
		}
		out = append(out, r.entries[idx])
	}
	return out
}
