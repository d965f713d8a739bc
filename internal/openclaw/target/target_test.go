package target

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func validTarget() Target {
	return Target{
		Label:          "local dev",
		Type:           TypeLocal,
		Origin:         OriginUser,
		Purpose:        PurposeProduction,
		OpenClawDir:    "/home/dev/.openclaw",
		PollIntervalMs: 5000,
		Enabled:        true,
	}
}

func TestCreate_AssignsIDAndTimestamps(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(validTarget())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Error("expected an assigned id")
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestCreate_SmokeOriginRequiresTestPurpose(t *testing.T) {
	s := newTestStore(t)
	bad := validTarget()
	bad.Origin = OriginSmoke
	bad.Purpose = PurposeProduction
	if _, err := s.Create(bad); err == nil {
		t.Error("expected smoke/production to be rejected")
	}

	ok := validTarget()
	ok.Origin = OriginSmoke
	ok.Purpose = PurposeTest
	if _, err := s.Create(ok); err != nil {
		t.Errorf("smoke/test should be accepted: %v", err)
	}
}

func TestCreate_ValidationErrors(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name   string
		mutate func(*Target)
	}{
		{"bad type", func(tg *Target) { tg.Type = "cloud" }},
		{"bad origin", func(tg *Target) { tg.Origin = "imported" }},
		{"bad purpose", func(tg *Target) { tg.Purpose = "staging" }},
		{"missing dir", func(tg *Target) { tg.OpenClawDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := validTarget()
			tt.mutate(&tg)
			if _, err := s.Create(tg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	created, err := s.Create(validTarget())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A partially written tmp file must never be left behind.
	if _, err := os.Stat(filepath.Join(dir, "targets.json.tmp")); !os.IsNotExist(err) {
		t.Error("expected no tmp file after persist")
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get(created.ID)
	if !ok {
		t.Fatal("expected target to survive reload")
	}
	if got.Label != created.Label || got.OpenClawDir != created.OpenClawDir {
		t.Errorf("reloaded = %+v, want %+v", got, created)
	}
}

func TestUpdate_PreservesIdentity(t *testing.T) {
	s := newTestStore(t)
	created, _ := s.Create(validTarget())

	updated, err := s.Update(created.ID, func(tg *Target) error {
		tg.Label = "renamed"
		tg.Enabled = false
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.ID != created.ID || !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Error("update must not change id or createdAt")
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) && !updated.UpdatedAt.Equal(created.UpdatedAt) {
		t.Error("updatedAt must move forward")
	}
	if updated.Label != "renamed" || updated.Enabled {
		t.Errorf("updated = %+v", updated)
	}
}

func TestUpdate_RejectsInvalidResult(t *testing.T) {
	s := newTestStore(t)
	created, _ := s.Create(validTarget())
	if _, err := s.Update(created.ID, func(tg *Target) error {
		tg.OpenClawDir = ""
		return nil
	}); err == nil {
		t.Error("expected invalid update to be rejected")
	}
	got, _ := s.Get(created.ID)
	if got.OpenClawDir == "" {
		t.Error("failed update must not corrupt the stored target")
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	created, _ := s.Create(validTarget())
	if err := s.Remove(created.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get(created.ID); ok {
		t.Error("expected target to be gone")
	}
	if err := s.Remove(created.ID); err == nil {
		t.Error("expected error removing an unknown target")
	}
}

func TestEnsureForMachine_AutoCreatesOnce(t *testing.T) {
	s := newTestStore(t)
	spool := t.TempDir()

	first, created, err := s.EnsureForMachine("m-abc123", "build box", spool)
	if err != nil {
		t.Fatalf("EnsureForMachine: %v", err)
	}
	if !created {
		t.Fatal("expected a new target on first check-in")
	}
	if first.Origin != OriginAuto || first.Type != TypeRemote {
		t.Errorf("auto target = %+v, want origin=auto type=remote", first)
	}

	second, created, err := s.EnsureForMachine("m-abc123", "", spool)
	if err != nil {
		t.Fatalf("second EnsureForMachine: %v", err)
	}
	if created {
		t.Error("expected no new target on repeat check-in")
	}
	if second.ID != first.ID {
		t.Errorf("second.ID = %s, want %s", second.ID, first.ID)
	}
}

func TestIsEvaluable(t *testing.T) {
	tests := []struct {
		name string
		tg   Target
		want bool
	}{
		{"enabled production", Target{Enabled: true, Purpose: PurposeProduction, Origin: OriginUser}, true},
		{"disabled", Target{Enabled: false, Purpose: PurposeProduction, Origin: OriginUser}, false},
		{"test purpose", Target{Enabled: true, Purpose: PurposeTest, Origin: OriginUser}, false},
		{"smoke origin", Target{Enabled: true, Purpose: PurposeTest, Origin: OriginSmoke}, false},
	}
	for _, tt := range tests {
		if got := tt.tg.IsEvaluable(); got != tt.want {
			t.Errorf("%s: IsEvaluable() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
