// Package target persists the set of OpenClaw targets known to the
// control plane (component G, persistence half). Targets are stored in a
// JSON file under the cron store directory, replaced atomically on every
// mutation.
package target

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patzehq/patze-control/internal/idgen"
)

// Type distinguishes targets on this host from tunnel-reached ones.
type Type string

const (
	TypeLocal  Type = "local"
	TypeRemote Type = "remote"
)

// Origin records how a target came to exist.
type Origin string

const (
	OriginUser  Origin = "user"
	OriginAuto  Origin = "auto"
	OriginSmoke Origin = "smoke"
)

// Purpose separates production targets from test ones; test targets are
// excluded from fleet policy evaluation.
type Purpose string

const (
	PurposeProduction Purpose = "production"
	PurposeTest       Purpose = "test"
)

// Target is one OpenClaw installation known to the control plane.
type Target struct {
	ID             string    `json:"id"`
	Label          string    `json:"label"`
	Type           Type      `json:"type"`
	Origin         Origin    `json:"origin"`
	Purpose        Purpose   `json:"purpose"`
	OpenClawDir    string    `json:"openclawDir"`
	PollIntervalMs int       `json:"pollIntervalMs"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Validate checks the target's field constraints, including the
// origin=smoke ⇒ purpose=test invariant.
func (t *Target) Validate() error {
	switch t.Type {
	case TypeLocal, TypeRemote:
	default:
		return fmt.Errorf("type must be local or remote, got %q", t.Type)
	}
	switch t.Origin {
	case OriginUser, OriginAuto, OriginSmoke:
	default:
		return fmt.Errorf("origin must be user, auto, or smoke, got %q", t.Origin)
	}
	switch t.Purpose {
	case PurposeProduction, PurposeTest:
	default:
		return fmt.Errorf("purpose must be production or test, got %q", t.Purpose)
	}
	if t.Origin == OriginSmoke && t.Purpose != PurposeTest {
		return fmt.Errorf("smoke-origin targets must have purpose test")
	}
	if t.OpenClawDir == "" {
		return fmt.Errorf("openclawDir is required")
	}
	if t.PollIntervalMs <= 0 {
		return fmt.Errorf("pollIntervalMs must be positive")
	}
	return nil
}

// IsEvaluable reports whether the fleet engine should evaluate this
// target: enabled, not a test target, not smoke-created.
func (t *Target) IsEvaluable() bool {
	return t.Enabled && t.Purpose != PurposeTest && t.Origin != OriginSmoke
}

const storeFile = "targets.json"

// fileFormat is the on-disk shape of the target store.
type fileFormat struct {
	Version int      `json:"version"`
	Targets []Target `json:"targets"`
}

// Store persists targets to a JSON file with tmp-write + rename atomic
// replace. All mutations are serialized.
type Store struct {
	mu      sync.Mutex
	path    string
	targets map[string]Target
}

// NewStore loads (or initializes) the target store under dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating target store directory: %w", err)
	}
	s := &Store{
		path:    filepath.Join(dir, storeFile),
		targets: make(map[string]Target),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading target store: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parsing target store: %w", err)
	}
	for _, t := range ff.Targets {
		s.targets[t.ID] = t
	}
	return s, nil
}

// Create validates and persists a new target. A zero ID is assigned one.
func (s *Store) Create(t Target) (Target, error) {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = idgen.Target()
	}
	if t.PollIntervalMs == 0 {
		t.PollIntervalMs = 15000
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := t.Validate(); err != nil {
		return Target{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[t.ID]; exists {
		return Target{}, fmt.Errorf("target %q already exists", t.ID)
	}
	s.targets[t.ID] = t
	if err := s.persistLocked(); err != nil {
		delete(s.targets, t.ID)
		return Target{}, err
	}
	return t, nil
}

// Update applies fn to a copy of the target and persists the result.
func (s *Store) Update(id string, fn func(*Target) error) (Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.targets[id]
	if !ok {
		return Target{}, fmt.Errorf("target %q not found", id)
	}
	next := prev
	if err := fn(&next); err != nil {
		return Target{}, err
	}
	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	if err := next.Validate(); err != nil {
		return Target{}, err
	}

	s.targets[id] = next
	if err := s.persistLocked(); err != nil {
		s.targets[id] = prev
		return Target{}, err
	}
	return next, nil
}

// Remove deletes a target.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.targets[id]
	if !ok {
		return fmt.Errorf("target %q not found", id)
	}
	delete(s.targets, id)
	if err := s.persistLocked(); err != nil {
		s.targets[id] = prev
		return err
	}
	return nil
}

// Get returns a target by id.
func (s *Store) Get(id string) (Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	return t, ok
}

// List returns all targets.
func (s *Store) List() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	return out
}

// EnsureForMachine returns the target whose directory contains machineID,
// auto-creating a remote target when a bridge checks in for the first
// time. Reports whether a target was created.
func (s *Store) EnsureForMachine(machineID, label, spoolDir string) (Target, bool, error) {
	s.mu.Lock()
	for _, t := range s.targets {
		// The bridge spool layout puts the machine id in the directory path,
		// so a substring match identifies the registration.
		if machineID != "" && strings.Contains(t.OpenClawDir, machineID) {
			s.mu.Unlock()
			return t, false, nil
		}
	}
	s.mu.Unlock()

	if label == "" {
		label = machineID
	}
	t, err := s.Create(Target{
		Label:       label,
		Type:        TypeRemote,
		Origin:      OriginAuto,
		Purpose:     PurposeProduction,
		OpenClawDir: filepath.Join(spoolDir, "bridges", machineID),
		Enabled:     true,
	})
	if err != nil {
		return Target{}, false, err
	}
	return t, true, nil
}

// persistLocked writes the store file atomically. Caller holds s.mu.
func (s *Store) persistLocked() error {
	targets := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	data, err := json.MarshalIndent(fileFormat{Version: 1, Targets: targets}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding target store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing target store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing target store: %w", err)
	}
	return nil
}
