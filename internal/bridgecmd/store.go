// Package bridgecmd implements the Bridge Command Store (component H): a
// FIFO command queue per (target, machine) with lease-based polling,
// heartbeats, approvals, idempotency, and at-most-once result
// application. Commands are held in memory only; they are not persisted
// and do not survive a restart.
package bridgecmd

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/patzehq/patze-control/internal/apierr"
	"github.com/patzehq/patze-control/internal/idgen"
)

// State is a command's lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateLeased     State = "leased"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateRejected   State = "rejected"
	StateDeadletter State = "deadletter"
)

// IsTerminal reports whether a command in this state never transitions
// again.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRejected, StateDeadletter:
		return true
	}
	return false
}

// Snapshot is the immutable description of what a command does, captured
// at enqueue time.
type Snapshot struct {
	TargetID         string   `json:"targetId"`
	MachineID        string   `json:"machineId"`
	TargetVersion    string   `json:"targetVersion"`
	Intent           string   `json:"intent"`
	Args             []string `json:"args"`
	CreatedBy        string   `json:"createdBy"`
	IdempotencyKey   string   `json:"idempotencyKey,omitempty"`
	ApprovalRequired bool     `json:"approvalRequired"`
	PolicyVersion    string   `json:"policyVersion,omitempty"`
}

// Result is what the bridge reports after executing a command.
type Result struct {
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Truncated  bool   `json:"truncated,omitempty"`
	Artifact   string `json:"artifact,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// Command is one queued (or finished) bridge command.
type Command struct {
	ID             string     `json:"id"`
	Snapshot       Snapshot   `json:"snapshot"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"createdAt"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	OwnerMachineID string     `json:"ownerMachineId,omitempty"`
	Result         *Result    `json:"result,omitempty"`
	ApprovedBy     string     `json:"approvedBy,omitempty"`
	ApprovedAt     *time.Time `json:"approvedAt,omitempty"`
	Attempts       int        `json:"attempts"`

	// seq orders commands within the store for FIFO polling.
	seq int64
}

// TargetVersionFunc returns the current version (config hash) of a
// target, used to validate approvals.
type TargetVersionFunc func(targetID string) string

// Store is the command queue. All state transitions are serialized under
// one lock, so per-command transitions are strictly ordered.
type Store struct {
	log           *slog.Logger
	targetVersion TargetVersionFunc
	maxRetries    int
	maxOutput     int
	defaultTTL    time.Duration

	mu            sync.Mutex
	commands      map[string]*Command
	nextSeq       int64
	completedKeys map[string]string // idempotency key -> command id
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRetries bounds how many times an expired lease re-queues a
// command before it deadletters.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// WithMaxOutputBytes caps sanitized stdout/stderr size.
func WithMaxOutputBytes(n int) Option {
	return func(s *Store) { s.maxOutput = n }
}

// WithDefaultLeaseTTL sets the lease duration used when a poll does not
// specify one.
func WithDefaultLeaseTTL(d time.Duration) Option {
	return func(s *Store) { s.defaultTTL = d }
}

// New creates a Store. targetVersion supplies the current config hash per
// target for approval validation.
func New(targetVersion TargetVersionFunc, log *slog.Logger, opts ...Option) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		log:           log,
		targetVersion: targetVersion,
		maxRetries:    3,
		maxOutput:     32 * 1024,
		defaultTTL:    60 * time.Second,
		commands:      make(map[string]*Command),
		completedKeys: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates and queues a command. Approval is forced on for
// mutating intents regardless of what the caller requested.
func (s *Store) Enqueue(snap Snapshot) (*Command, error) {
	if snap.TargetID == "" || snap.MachineID == "" {
		return nil, apierr.New(apierr.InvalidBody, "targetId and machineId are required")
	}
	if snap.Intent == "" {
		return nil, apierr.New(apierr.InvalidBody, "intent is required")
	}
	if HasMutationArgs(snap.Intent, snap.Args) {
		snap.ApprovalRequired = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	cmd := &Command{
		ID:        idgen.Command(),
		Snapshot:  snap,
		State:     StateQueued,
		CreatedAt: time.Now().UTC(),
		seq:       s.nextSeq,
	}
	s.commands[cmd.ID] = cmd
	s.log.Info("bridge command queued",
		"command", cmd.ID, "target", snap.TargetID, "machine", snap.MachineID,
		"intent", snap.Intent, "approval_required", snap.ApprovalRequired)
	return cloneCommand(cmd), nil
}

// Approve records an approval. The supplied targetVersion must match the
// target's current version or the approval fails with
// target_version_mismatch.
func (s *Store) Approve(id, approvedBy, targetVersion string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return nil, apierr.New(apierr.TargetNotFound, "command not found")
	}
	if cmd.State != StateQueued {
		return nil, apierr.New(apierr.InvalidTransition, "only queued commands can be approved")
	}
	if !cmd.Snapshot.ApprovalRequired {
		return nil, apierr.New(apierr.InvalidTransition, "command does not require approval")
	}
	if s.targetVersion != nil {
		current := s.targetVersion(cmd.Snapshot.TargetID)
		if targetVersion != current {
			return nil, apierr.New(apierr.TargetVersionMismatch, "target version changed since the command was reviewed")
		}
	}

	now := time.Now().UTC()
	cmd.ApprovedBy = approvedBy
	cmd.ApprovedAt = &now
	s.log.Info("bridge command approved", "command", cmd.ID, "approved_by", approvedBy)
	return cloneCommand(cmd), nil
}

// Poll leases the first queued command for machineID, in FIFO order,
// skipping commands still awaiting approval. Returns nil when nothing is
// available.
func (s *Store) Poll(machineID string, leaseTTL time.Duration) *Command {
	if leaseTTL <= 0 {
		leaseTTL = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Command
	for _, cmd := range s.commands {
		if cmd.State != StateQueued || cmd.Snapshot.MachineID != machineID {
			continue
		}
		if cmd.Snapshot.ApprovalRequired && cmd.ApprovedAt == nil {
			continue
		}
		candidates = append(candidates, cmd)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })

	cmd := candidates[0]
	expires := time.Now().UTC().Add(leaseTTL)
	cmd.State = StateLeased
	cmd.OwnerMachineID = machineID
	cmd.LeaseExpiresAt = &expires
	s.log.Info("bridge command leased", "command", cmd.ID, "machine", machineID, "lease_expires", expires)
	return cloneCommand(cmd)
}

// Ack transitions a leased command to running. The caller must be the
// lease owner.
func (s *Store) Ack(id, machineID string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return nil, apierr.New(apierr.TargetNotFound, "command not found")
	}
	if cmd.State != StateLeased {
		return nil, apierr.New(apierr.InvalidTransition, "command is not leased")
	}
	if cmd.OwnerMachineID != machineID {
		return nil, apierr.New(apierr.InvalidTransition, "lease is owned by another machine")
	}
	cmd.State = StateRunning
	s.log.Info("bridge command running", "command", cmd.ID, "machine", machineID)
	return cloneCommand(cmd), nil
}

// Heartbeat extends the lease of a leased or running command.
func (s *Store) Heartbeat(id, machineID string, leaseTTL time.Duration) (*Command, error) {
	if leaseTTL <= 0 {
		leaseTTL = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return nil, apierr.New(apierr.TargetNotFound, "command not found")
	}
	if cmd.State != StateLeased && cmd.State != StateRunning {
		return nil, apierr.New(apierr.InvalidTransition, "command holds no lease")
	}
	if cmd.OwnerMachineID != machineID {
		return nil, apierr.New(apierr.InvalidTransition, "lease is owned by another machine")
	}
	expires := time.Now().UTC().Add(leaseTTL)
	cmd.LeaseExpiresAt = &expires
	return cloneCommand(cmd), nil
}

// ApplyResult records the bridge's execution result, sanitizing output
// size. Repeat results on an already-terminal command from the same
// owner, and results whose idempotency key has already completed, come
// back with Duplicate=true and are not re-applied.
func (s *Store) ApplyResult(id, machineID string, res Result) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return nil, apierr.New(apierr.TargetNotFound, "command not found")
	}

	if cmd.State.IsTerminal() {
		if (cmd.State == StateSucceeded || cmd.State == StateFailed) && cmd.OwnerMachineID == machineID {
			out := cloneCommand(cmd)
			out.Result.Duplicate = true
			return out, nil
		}
		return nil, apierr.New(apierr.InvalidTransition, "command already finished")
	}
	if cmd.State != StateRunning && cmd.State != StateLeased {
		return nil, apierr.New(apierr.InvalidTransition, "command is not executing")
	}
	if cmd.OwnerMachineID != machineID {
		return nil, apierr.New(apierr.InvalidTransition, "lease is owned by another machine")
	}

	if key := cmd.Snapshot.IdempotencyKey; key != "" {
		if firstID, done := s.completedKeys[key]; done && firstID != cmd.ID {
			res.Duplicate = true
		}
	}

	var truncated bool
	res.Stdout, truncated = truncateUTF8(res.Stdout, s.maxOutput)
	res.Truncated = res.Truncated || truncated
	res.Stderr, truncated = truncateUTF8(res.Stderr, s.maxOutput)
	res.Truncated = res.Truncated || truncated

	switch res.Status {
	case "succeeded":
		cmd.State = StateSucceeded
	case "failed":
		cmd.State = StateFailed
	default:
		return nil, apierr.New(apierr.InvalidBody, "result status must be succeeded or failed")
	}
	cmd.Result = &res
	cmd.LeaseExpiresAt = nil

	if key := cmd.Snapshot.IdempotencyKey; key != "" {
		if _, done := s.completedKeys[key]; !done {
			s.completedKeys[key] = cmd.ID
		}
	}

	s.log.Info("bridge command finished",
		"command", cmd.ID, "state", string(cmd.State), "exit_code", res.ExitCode,
		"duplicate", res.Duplicate)
	return cloneCommand(cmd), nil
}

// Reject moves a not-yet-finished command to rejected.
func (s *Store) Reject(id, reason string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return nil, apierr.New(apierr.TargetNotFound, "command not found")
	}
	if cmd.State.IsTerminal() {
		return nil, apierr.New(apierr.InvalidTransition, "command already finished")
	}
	cmd.State = StateRejected
	cmd.Result = &Result{Status: "rejected", Stderr: reason}
	cmd.LeaseExpiresAt = nil
	s.log.Warn("bridge command rejected", "command", cmd.ID, "reason", reason)
	return cloneCommand(cmd), nil
}

// ExpireLeases returns expired leased/running commands to the queue,
// deadlettering those past the retry budget. Returns how many commands
// were touched.
func (s *Store) ExpireLeases(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := 0
	for _, cmd := range s.commands {
		if cmd.State != StateLeased && cmd.State != StateRunning {
			continue
		}
		if cmd.LeaseExpiresAt == nil || cmd.LeaseExpiresAt.After(now) {
			continue
		}
		touched++
		cmd.Attempts++
		cmd.OwnerMachineID = ""
		cmd.LeaseExpiresAt = nil
		if cmd.Attempts > s.maxRetries {
			cmd.State = StateDeadletter
			s.log.Warn("bridge command deadlettered", "command", cmd.ID, "attempts", cmd.Attempts)
			continue
		}
		cmd.State = StateQueued
		s.log.Info("bridge command lease expired, requeued", "command", cmd.ID, "attempts", cmd.Attempts)
	}
	return touched
}

// RunExpiry starts the lease sweeper loop, stopping when done is closed.
func (s *Store) RunExpiry(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			s.ExpireLeases(now)
		}
	}
}

// Get returns a command by id.
func (s *Store) Get(id string) (*Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, false
	}
	return cloneCommand(cmd), true
}

// List returns commands, optionally filtered by target, ordered oldest
// first.
func (s *Store) List(targetID string) []*Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Command
	for _, cmd := range s.commands {
		if targetID != "" && cmd.Snapshot.TargetID != targetID {
			continue
		}
		out = append(out, cloneCommand(cmd))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func cloneCommand(cmd *Command) *Command {
	out := *cmd
	if cmd.Result != nil {
		res := *cmd.Result
		out.Result = &res
	}
	if cmd.LeaseExpiresAt != nil {
		t := *cmd.LeaseExpiresAt
		out.LeaseExpiresAt = &t
	}
	if cmd.ApprovedAt != nil {
		t := *cmd.ApprovedAt
		out.ApprovedAt = &t
	}
	out.Snapshot.Args = append([]string(nil), cmd.Snapshot.Args...)
	return &out
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut], true
}
