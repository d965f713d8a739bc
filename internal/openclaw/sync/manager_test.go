package sync

import (
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/patzehq/patze-control/internal/openclaw/target"
)

func testTarget(t *testing.T, pollMs int) target.Target {
	t.Helper()
	return target.Target{
		ID:             "tgt-1",
		Label:          "test",
		Type:           target.TypeLocal,
		Origin:         target.OriginUser,
		Purpose:        target.PurposeProduction,
		OpenClawDir:    t.TempDir(),
		PollIntervalMs: pollMs,
		Enabled:        true,
	}
}

func writeJobs(t *testing.T, dir string, jobs []CronJob) {
	t.Helper()
	if _, err := NewSpool(dir).WriteJobs(jobs); err != nil {
		t.Fatalf("WriteJobs: %v", err)
	}
}

// waitStatus polls until cond holds or the deadline passes.
func waitStatus(t *testing.T, m *Manager, targetID string, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := m.GetStatus(targetID); ok && cond(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := m.GetStatus(targetID)
	t.Fatalf("condition not reached; last status %+v", st)
	return Status{}
}

func TestManager_SyncsJobsAndRuns(t *testing.T) {
	tgt := testTarget(t, 20)
	writeJobs(t, tgt.OpenClawDir, []CronJob{{ID: "j1", Name: "nightly", Schedule: "0 3 * * *", Enabled: true}})

	spool := NewSpool(tgt.OpenClawDir)
	now := time.Now().UTC()
	spool.AppendRuns("j1", []RunRecord{{JobID: "j1", RunID: "r1", StartedAt: now, Status: RunOK}})

	m := NewManager(nil)
	if err := m.StartTarget(tgt); err != nil {
		t.Fatalf("StartTarget: %v", err)
	}
	defer m.StopAll()

	st := waitStatus(t, m, tgt.ID, func(st Status) bool {
		return st.Available && st.JobsCount == 1 && st.LastSuccessfulSyncAt != nil
	})
	if st.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0", st.ConsecutiveFailures)
	}

	jobs, err := m.GetJobs(tgt.ID)
	if err != nil || len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Errorf("GetJobs = %+v, %v", jobs, err)
	}

	history, err := m.GetRunHistory(tgt.ID, "j1", 0)
	if err != nil {
		t.Fatalf("GetRunHistory: %v", err)
	}
	if len(history) != 1 || history[0].RunID != "r1" {
		t.Errorf("history = %+v, want [r1]", history)
	}
}

func TestManager_ParseErrorKeepsPreviousJobs(t *testing.T) {
	tgt := testTarget(t, 20)
	writeJobs(t, tgt.OpenClawDir, []CronJob{{ID: "j1", Name: "nightly", Schedule: "* * * * *", Enabled: true}})

	m := NewManager(nil)
	m.StartTarget(tgt)
	defer m.StopAll()

	waitStatus(t, m, tgt.ID, func(st Status) bool { return st.JobsCount == 1 })

	// Corrupt jobs.json; the previous jobs list must survive.
	jobsPath := filepath.Join(tgt.OpenClawDir, "cron", "jobs.json")
	os.WriteFile(jobsPath, []byte("{broken"), 0o644)
	m.Wake(tgt.ID)

	st := waitStatus(t, m, tgt.ID, func(st Status) bool { return st.ConsecutiveFailures > 0 })
	if st.LastError == "" {
		t.Error("expected lastError to be set")
	}

	jobs, err := m.GetJobs(tgt.ID)
	if err != nil || len(jobs) != 1 {
		t.Errorf("previous jobs lost: %+v, %v", jobs, err)
	}

	// Repair and confirm failures reset.
	writeJobs(t, tgt.OpenClawDir, []CronJob{{ID: "j1", Name: "nightly", Schedule: "* * * * *", Enabled: true}})
	m.Wake(tgt.ID)
	waitStatus(t, m, tgt.ID, func(st Status) bool { return st.ConsecutiveFailures == 0 && st.LastError == "" })
}

func TestManager_NewRunsPickedUpIncrementally(t *testing.T) {
	tgt := testTarget(t, 20)
	writeJobs(t, tgt.OpenClawDir, []CronJob{{ID: "j1", Name: "n", Schedule: "* * * * *", Enabled: true}})
	spool := NewSpool(tgt.OpenClawDir)
	now := time.Now().UTC()
	spool.AppendRuns("j1", []RunRecord{{JobID: "j1", RunID: "r1", StartedAt: now, Status: RunOK}})

	m := NewManager(nil)
	m.StartTarget(tgt)
	defer m.StopAll()

	waitStatus(t, m, tgt.ID, func(st Status) bool { return st.LastSuccessfulSyncAt != nil })

	spool.AppendRuns("j1", []RunRecord{{JobID: "j1", RunID: "r2", StartedAt: now, Status: RunError, Error: "x"}})
	m.Wake(tgt.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		history, _ := m.GetRunHistory(tgt.ID, "j1", 0)
		if len(history) == 2 {
			if history[1].RunID != "r2" {
				t.Errorf("history = %+v, want r1 then r2", history)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("second run record never picked up")
}

func TestManager_StopDrainsAndStatusGone(t *testing.T) {
	tgt := testTarget(t, 20)
	writeJobs(t, tgt.OpenClawDir, nil)

	m := NewManager(nil)
	m.StartTarget(tgt)
	waitStatus(t, m, tgt.ID, func(st Status) bool { return st.Running })

	m.StopTarget(tgt.ID)
	if _, ok := m.GetStatus(tgt.ID); ok {
		t.Error("expected no status after stop")
	}
	m.StopTarget(tgt.ID) // idempotent
}

func TestManager_RestartTarget(t *testing.T) {
	tgt := testTarget(t, 20)
	writeJobs(t, tgt.OpenClawDir, []CronJob{{ID: "j1", Name: "n", Schedule: "* * * * *", Enabled: true}})

	m := NewManager(nil)
	m.StartTarget(tgt)
	defer m.StopAll()
	waitStatus(t, m, tgt.ID, func(st Status) bool { return st.JobsCount == 1 })

	if err := m.RestartTarget(tgt); err != nil {
		t.Fatalf("RestartTarget: %v", err)
	}
	waitStatus(t, m, tgt.ID, func(st Status) bool { return st.Running && st.JobsCount == 1 })
}

func TestManager_SubscribersNotified(t *testing.T) {
	tgt := testTarget(t, 20)
	writeJobs(t, tgt.OpenClawDir, nil)

	m := NewManager(nil)
	var mu stdsync.Mutex
	var got []string
	m.Subscribe(func(targetID string, st Status) {
		mu.Lock()
		got = append(got, targetID)
		mu.Unlock()
	})

	m.StartTarget(tgt)
	defer m.StopAll()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no status notifications received")
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Second)
	old := now.Add(-time.Minute)

	if isStale(&recent, 10000, now) {
		t.Error("1s ago with 10s interval must not be stale")
	}
	if !isStale(&old, 10000, now) {
		t.Error("60s ago with 10s interval must be stale (over 3x)")
	}
	if !isStale(nil, 10000, now) {
		t.Error("never-synced must be stale")
	}
}

func TestGetAllStatuses_DedupPrefersOnlineBridgeDir(t *testing.T) {
	dir := t.TempDir()
	spoolDir := filepath.Join(dir, "bridges", "m-online")
	writeJobs(t, spoolDir, nil)

	older := target.Target{
		ID: "tgt-a", Label: "a", Type: target.TypeRemote, Origin: target.OriginAuto,
		Purpose: target.PurposeProduction, OpenClawDir: spoolDir, PollIntervalMs: 20,
		Enabled: true, UpdatedAt: time.Now().Add(-time.Hour),
	}
	newer := older
	newer.ID = "tgt-b"
	newer.UpdatedAt = time.Now()

	m := NewManager(nil, WithOnlineMachineFunc(func(machineID string) bool {
		return machineID == "m-online"
	}))
	m.StartTarget(older)
	m.StartTarget(newer)
	defer m.StopAll()

	entries := m.GetAllStatuses()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 after dedup", len(entries))
	}
	// Both point at a directory containing the online machine id, so the
	// online rule matches both and the first wins; with no online bridge
	// the updatedAt tiebreak applies.
	m2 := NewManager(nil, WithOnlineMachineFunc(func(string) bool { return false }))
	m2.StartTarget(older)
	m2.StartTarget(newer)
	defer m2.StopAll()

	entries = m2.GetAllStatuses()
	if len(entries) != 1 || entries[0].Target.ID != "tgt-b" {
		t.Errorf("dedup winner = %+v, want most recently updated tgt-b", entries)
	}
}

func TestCreateMergedView(t *testing.T) {
	tgt := testTarget(t, 20)
	writeJobs(t, tgt.OpenClawDir, []CronJob{{ID: "j1", Name: "backup", Schedule: "0 1 * * *", Enabled: true}})

	m := NewManager(nil)
	m.StartTarget(tgt)
	defer m.StopAll()
	waitStatus(t, m, tgt.ID, func(st Status) bool { return st.JobsCount == 1 })

	view, err := m.CreateMergedView(tgt.ID, []UserTask{{ID: "t1", Name: "audit", Schedule: "@hourly", Enabled: true}})
	if err != nil {
		t.Fatalf("CreateMergedView: %v", err)
	}
	if len(view) != 2 {
		t.Fatalf("view = %d entries, want 2", len(view))
	}
	if view[0].Name != "audit" || view[0].Source != "user" {
		t.Errorf("view[0] = %+v, want user/audit first (name-sorted)", view[0])
	}
	if view[1].Name != "backup" || view[1].Source != "openclaw" {
		t.Errorf("view[1] = %+v, want openclaw/backup", view[1])
	}
}
