// Package fleet implements the Fleet Policy & Drift Engine (component J):
// desired/reported reconciliation per target, health scoring, alert
// routing with cooldown, and batched policy application gated by
// critical-change approval tokens.
package fleet

import (
	"fmt"
	"sync"
	"time"

	"github.com/patzehq/patze-control/internal/idgen"
)

// AuthMode is the auth mode a policy allows on a target.
type AuthMode string

const (
	AuthNone  AuthMode = "none"
	AuthToken AuthMode = "token"
	AuthAny   AuthMode = "any"
)

// PolicyProfile is a named bundle of desired-state thresholds.
type PolicyProfile struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	MinBridgeVersion       string    `json:"minBridgeVersion,omitempty"`
	MaxSyncLagMs           int64     `json:"maxSyncLagMs"`
	AllowedAuthMode        AuthMode  `json:"allowedAuthMode"`
	MaxConsecutiveFailures int       `json:"maxConsecutiveFailures"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// DefaultProfileID is the id of the always-present default profile.
const DefaultProfileID = "profile_default"

// ProfileStore holds policy profiles and per-target assignments. A
// default profile always exists and cannot be removed.
type ProfileStore struct {
	mu          sync.Mutex
	profiles    map[string]PolicyProfile
	assignments map[string]string // targetID -> profileID
}

// NewProfileStore creates a store seeded with the default profile.
func NewProfileStore(defaults PolicyProfile) *ProfileStore {
	now := time.Now().UTC()
	defaults.ID = DefaultProfileID
	if defaults.Name == "" {
		defaults.Name = "default"
	}
	if defaults.AllowedAuthMode == "" {
		defaults.AllowedAuthMode = AuthAny
	}
	if defaults.MaxSyncLagMs <= 0 {
		defaults.MaxSyncLagMs = 120000
	}
	if defaults.MaxConsecutiveFailures <= 0 {
		defaults.MaxConsecutiveFailures = 3
	}
	defaults.CreatedAt = now
	defaults.UpdatedAt = now

	return &ProfileStore{
		profiles:    map[string]PolicyProfile{DefaultProfileID: defaults},
		assignments: make(map[string]string),
	}
}

// Create adds a profile.
func (s *ProfileStore) Create(p PolicyProfile) (PolicyProfile, error) {
	if p.Name == "" {
		return PolicyProfile{}, fmt.Errorf("profile name is required")
	}
	switch p.AllowedAuthMode {
	case AuthNone, AuthToken, AuthAny:
	default:
		return PolicyProfile{}, fmt.Errorf("allowedAuthMode must be none, token, or any")
	}
	if p.MaxSyncLagMs <= 0 {
		return PolicyProfile{}, fmt.Errorf("maxSyncLagMs must be positive")
	}

	now := time.Now().UTC()
	p.ID = idgen.New("profile")
	p.CreatedAt = now
	p.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return p, nil
}

// Get returns a profile by id.
func (s *ProfileStore) Get(id string) (PolicyProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	return p, ok
}

// List returns all profiles.
func (s *ProfileStore) List() []PolicyProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PolicyProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

// Remove deletes a profile; the default profile cannot be removed.
// Targets assigned to the removed profile fall back to the default.
func (s *ProfileStore) Remove(id string) error {
	if id == DefaultProfileID {
		return fmt.Errorf("the default profile cannot be removed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return fmt.Errorf("profile %q not found", id)
	}
	delete(s.profiles, id)
	for targetID, assigned := range s.assignments {
		if assigned == id {
			delete(s.assignments, targetID)
		}
	}
	return nil
}

// Assign binds a target to a profile.
func (s *ProfileStore) Assign(targetID, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profileID]; !ok {
		return fmt.Errorf("profile %q not found", profileID)
	}
	s.assignments[targetID] = profileID
	return nil
}

// ProfileFor returns the profile assigned to a target, falling back to
// the default.
func (s *ProfileStore) ProfileFor(targetID string) PolicyProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.assignments[targetID]; ok {
		if p, ok := s.profiles[id]; ok {
			return p
		}
	}
	return s.profiles[DefaultProfileID]
}
