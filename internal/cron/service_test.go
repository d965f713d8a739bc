package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingExecutor counts executions per action and can be scripted to
// fail.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (r *recordingExecutor) Execute(ctx context.Context, action string, params map[string]any) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, action)
	r.mu.Unlock()
	if r.fail {
		return "", errors.New("scripted failure")
	}
	return "done", nil
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestService(t *testing.T, exec Executor) *Service {
	t.Helper()
	s, err := NewService(t.TempDir(), exec, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestSchedule_Validate(t *testing.T) {
	at := time.Now()
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"at only", Schedule{At: &at}, false},
		{"every only", Schedule{EveryMs: 1000}, false},
		{"cron only", Schedule{Cron: "*/5 * * * *"}, false},
		{"none", Schedule{}, true},
		{"two kinds", Schedule{At: &at, EveryMs: 1000}, true},
		{"bad cron", Schedule{Cron: "not a cron"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateTask_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	exec := &recordingExecutor{}
	s, err := NewService(dir, exec, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	created, err := s.CreateTask(Task{
		Name: "hourly health", Action: "health_check",
		Schedule: Schedule{EveryMs: 3600000}, Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	reloaded, err := NewService(dir, exec, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.GetTask(created.ID)
	if !ok || got.Name != "hourly health" {
		t.Errorf("reloaded task = %+v, %v", got, ok)
	}
}

func TestRunDue_EveryInterval(t *testing.T) {
	exec := &recordingExecutor{}
	s := newTestService(t, exec)
	_, err := s.CreateTask(Task{
		Name: "t", Action: "generate_report",
		Schedule: Schedule{EveryMs: 60000}, Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	now := time.Now().UTC()
	if n := s.RunDue(now); n != 1 {
		t.Fatalf("first RunDue = %d, want 1 (never-ran interval tasks fire)", n)
	}
	if n := s.RunDue(now.Add(30 * time.Second)); n != 0 {
		t.Fatalf("mid-interval RunDue = %d, want 0", n)
	}
	if n := s.RunDue(now.Add(61 * time.Second)); n != 1 {
		t.Fatalf("post-interval RunDue = %d, want 1", n)
	}
	if exec.count() != 2 {
		t.Errorf("executions = %d, want 2", exec.count())
	}
}

func TestRunDue_OneShotAtFiresOnce(t *testing.T) {
	exec := &recordingExecutor{}
	s := newTestService(t, exec)
	at := time.Now().UTC().Add(-time.Second)
	s.CreateTask(Task{Name: "once", Action: "x", Schedule: Schedule{At: &at}, Enabled: true})

	now := time.Now().UTC()
	if n := s.RunDue(now); n != 1 {
		t.Fatalf("RunDue = %d, want 1", n)
	}
	if n := s.RunDue(now.Add(time.Minute)); n != 0 {
		t.Fatalf("second RunDue = %d, want one-shot to never refire", n)
	}
}

func TestRunDue_CronFiresOncePerMinute(t *testing.T) {
	exec := &recordingExecutor{}
	s := newTestService(t, exec)
	s.CreateTask(Task{Name: "c", Action: "x", Schedule: Schedule{Cron: "* * * * *"}, Enabled: true})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if n := s.RunDue(base); n != 1 {
		t.Fatalf("RunDue = %d, want 1", n)
	}
	if n := s.RunDue(base.Add(20 * time.Second)); n != 0 {
		t.Fatalf("same-minute RunDue = %d, want 0", n)
	}
	if n := s.RunDue(base.Add(time.Minute)); n != 1 {
		t.Fatalf("next-minute RunDue = %d, want 1", n)
	}
}

func TestRunDue_SkipsDisabled(t *testing.T) {
	exec := &recordingExecutor{}
	s := newTestService(t, exec)
	s.CreateTask(Task{Name: "off", Action: "x", Schedule: Schedule{EveryMs: 1000}, Enabled: false})

	if n := s.RunDue(time.Now().UTC()); n != 0 {
		t.Errorf("RunDue = %d, want disabled tasks skipped", n)
	}
}

func TestRunNow_RecordsHistory(t *testing.T) {
	exec := &recordingExecutor{fail: true}
	s := newTestService(t, exec)
	created, _ := s.CreateTask(Task{Name: "f", Action: "x", Schedule: Schedule{EveryMs: 1000}, Enabled: true})

	rec, err := s.RunNow(created.ID)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if rec.OK || rec.Error == "" {
		t.Errorf("record = %+v, want failed run recorded", rec)
	}

	history := s.History(created.ID)
	if len(history) != 1 || history[0].OK {
		t.Errorf("history = %+v", history)
	}

	if _, err := s.RunNow("ghost"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestRollbackToSnapshot(t *testing.T) {
	exec := &recordingExecutor{}
	s := newTestService(t, exec)

	created, _ := s.CreateTask(Task{Name: "keep", Action: "x", Schedule: Schedule{EveryMs: 1000}, Enabled: true})
	if err := s.RemoveTask(created.ID); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if len(s.ListTasks()) != 0 {
		t.Fatal("expected no tasks after remove")
	}

	// The remove-time snapshot holds the task; roll back to it.
	snaps := s.Snapshots()
	if len(snaps) == 0 {
		t.Fatal("expected snapshots")
	}
	last := snaps[len(snaps)-1]
	if len(last.Tasks) != 1 {
		t.Fatalf("last snapshot tasks = %d, want the pre-remove list", len(last.Tasks))
	}
	if err := s.RollbackToSnapshot(last.ID); err != nil {
		t.Fatalf("RollbackToSnapshot: %v", err)
	}
	if got := s.ListTasks(); len(got) != 1 || got[0].ID != created.ID {
		t.Errorf("after rollback = %+v", got)
	}

	if err := s.RollbackToSnapshot("nope"); err == nil {
		t.Error("expected error for unknown snapshot")
	}
}

func TestCreateTask_Validation(t *testing.T) {
	s := newTestService(t, &recordingExecutor{})
	if _, err := s.CreateTask(Task{Action: "x", Schedule: Schedule{EveryMs: 1}}); err == nil {
		t.Error("missing name must fail")
	}
	if _, err := s.CreateTask(Task{Name: "n", Schedule: Schedule{EveryMs: 1}}); err == nil {
		t.Error("missing action must fail")
	}
	if _, err := s.CreateTask(Task{Name: "n", Action: "x", Schedule: Schedule{}}); err == nil {
		t.Error("empty schedule must fail")
	}
}
