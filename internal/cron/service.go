// Package cron implements the Cron Service (component K): it persists
// user-defined scheduled tasks, runs a single scheduler loop, invokes a
// pluggable executor per due task, and records run history with task-list
// snapshots for rollback.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/patzehq/patze-control/internal/idgen"
)

// Executor runs one task action. Implemented by the task executor
// (component L).
type Executor interface {
	Execute(ctx context.Context, action string, params map[string]any) (summary string, err error)
}

// Schedule is one of three trigger kinds: a one-shot time, a fixed
// interval, or a cron expression.
type Schedule struct {
	At      *time.Time `json:"at,omitempty"`
	EveryMs int64      `json:"everyMs,omitempty"`
	Cron    string     `json:"cron,omitempty"`
}

// Validate checks that exactly one trigger kind is set and well-formed.
func (s *Schedule) Validate() error {
	kinds := 0
	if s.At != nil {
		kinds++
	}
	if s.EveryMs > 0 {
		kinds++
	}
	if s.Cron != "" {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("exactly one of at, everyMs, cron must be set")
	}
	if s.Cron != "" && !gronx.New().IsValid(s.Cron) {
		return fmt.Errorf("invalid cron expression %q", s.Cron)
	}
	return nil
}

// Task is one user-defined scheduled task.
type Task struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Schedule  Schedule       `json:"schedule"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// RunRecord is one execution of a task.
type RunRecord struct {
	TaskID     string    `json:"taskId"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	OK         bool      `json:"ok"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// TaskSnapshot is a saved copy of the whole task list, for rollback.
type TaskSnapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Note      string    `json:"note,omitempty"`
	Tasks     []Task    `json:"tasks"`
}

const tasksFileName = "cron-tasks.json"

type tasksFile struct {
	Version int    `json:"version"`
	Tasks   []Task `json:"tasks"`
}

// Service persists tasks and runs the scheduler loop.
type Service struct {
	log      *slog.Logger
	path     string
	executor Executor
	taskTO   time.Duration

	mu        sync.Mutex
	tasks     map[string]Task
	lastRun   map[string]time.Time
	history   map[string][]RunRecord
	histCap   int
	snapshots []TaskSnapshot
	snapCap   int
}

// Option configures a Service.
type Option func(*Service)

// WithTaskTimeout bounds a single task execution.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Service) { s.taskTO = d }
}

// WithHistoryCap bounds per-task run history.
func WithHistoryCap(n int) Option {
	return func(s *Service) { s.histCap = n }
}

// NewService loads (or initializes) the task store under settingsDir.
func NewService(settingsDir string, executor Executor, log *slog.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating settings directory: %w", err)
	}
	s := &Service{
		log:      log,
		path:     filepath.Join(settingsDir, tasksFileName),
		executor: executor,
		taskTO:   60 * time.Second,
		tasks:    make(map[string]Task),
		lastRun:  make(map[string]time.Time),
		history:  make(map[string][]RunRecord),
		histCap:  100,
		snapCap:  20,
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading task store: %w", err)
	}
	var tf tasksFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing task store: %w", err)
	}
	for _, t := range tf.Tasks {
		s.tasks[t.ID] = t
	}
	return s, nil
}

// CreateTask validates and persists a new task, snapshotting the prior
// task list first.
func (s *Service) CreateTask(t Task) (Task, error) {
	if t.Name == "" {
		return Task{}, fmt.Errorf("task name is required")
	}
	if t.Action == "" {
		return Task{}, fmt.Errorf("task action is required")
	}
	if err := t.Schedule.Validate(); err != nil {
		return Task{}, err
	}

	now := time.Now().UTC()
	t.ID = idgen.New("task")
	t.CreatedAt = now
	t.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotLocked("before create " + t.Name)
	s.tasks[t.ID] = t
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, t.ID)
		return Task{}, err
	}
	return t, nil
}

// UpdateTask applies fn to a copy of the task and persists.
func (s *Service) UpdateTask(id string, fn func(*Task) error) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %q not found", id)
	}
	next := prev
	if err := fn(&next); err != nil {
		return Task{}, err
	}
	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	if err := next.Schedule.Validate(); err != nil {
		return Task{}, err
	}

	s.snapshotLocked("before update " + prev.Name)
	s.tasks[id] = next
	if err := s.persistLocked(); err != nil {
		s.tasks[id] = prev
		return Task{}, err
	}
	return next, nil
}

// RemoveTask deletes a task.
func (s *Service) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	s.snapshotLocked("before remove " + prev.Name)
	delete(s.tasks, id)
	if err := s.persistLocked(); err != nil {
		s.tasks[id] = prev
		return err
	}
	return nil
}

// ListTasks returns all tasks, name-sorted.
func (s *Service) ListTasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetTask returns one task.
func (s *Service) GetTask(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// History returns a task's run records, oldest first.
func (s *Service) History(taskID string) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunRecord(nil), s.history[taskID]...)
}

// Snapshots returns the saved task-list snapshots, oldest first.
func (s *Service) Snapshots() []TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TaskSnapshot(nil), s.snapshots...)
}

// RollbackToSnapshot restores a saved task list, snapshotting the
// current one first.
func (s *Service) RollbackToSnapshot(snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *TaskSnapshot
	for i := range s.snapshots {
		if s.snapshots[i].ID == snapshotID {
			found = &s.snapshots[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("snapshot %q not found", snapshotID)
	}

	s.snapshotLocked("before rollback to " + snapshotID)
	restored := make(map[string]Task, len(found.Tasks))
	for _, t := range found.Tasks {
		restored[t.ID] = t
	}
	prev := s.tasks
	s.tasks = restored
	if err := s.persistLocked(); err != nil {
		s.tasks = prev
		return err
	}
	return nil
}

// snapshotLocked saves the current task list. Caller holds s.mu.
func (s *Service) snapshotLocked(note string) {
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.snapshots = append(s.snapshots, TaskSnapshot{
		ID:        idgen.Snapshot(),
		CreatedAt: time.Now().UTC(),
		Note:      note,
		Tasks:     tasks,
	})
	if len(s.snapshots) > s.snapCap {
		s.snapshots = s.snapshots[len(s.snapshots)-s.snapCap:]
	}
}

func (s *Service) persistLocked() error {
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	data, err := json.MarshalIndent(tasksFile{Version: 1, Tasks: tasks}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Run is the single scheduler loop: every tick it finds due tasks and
// executes them, recording history. It returns when done closes.
func (s *Service) Run(done <-chan struct{}, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			s.RunDue(now.UTC())
		}
	}
}

// RunDue executes every task due at now. The scheduler loop in Run calls
// it on every tick; it is exported so tests can drive it directly.
func (s *Service) RunDue(now time.Time) int {
	s.mu.Lock()
	var due []Task
	for _, t := range s.tasks {
		if !t.Enabled {
			continue
		}
		if s.isDueLocked(t, now) {
			due = append(due, t)
			s.lastRun[t.ID] = now
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.runOne(t)
	}
	return len(due)
}

// RunNow executes one task immediately regardless of schedule.
func (s *Service) RunNow(taskID string) (RunRecord, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if ok {
		s.lastRun[taskID] = time.Now().UTC()
	}
	s.mu.Unlock()
	if !ok {
		return RunRecord{}, fmt.Errorf("task %q not found", taskID)
	}
	return s.runOne(t), nil
}

// isDueLocked decides whether a task fires at now. Caller holds s.mu.
func (s *Service) isDueLocked(t Task, now time.Time) bool {
	last, ran := s.lastRun[t.ID]
	switch {
	case t.Schedule.At != nil:
		return !ran && !now.Before(*t.Schedule.At)
	case t.Schedule.EveryMs > 0:
		if !ran {
			return true
		}
		return now.Sub(last) >= time.Duration(t.Schedule.EveryMs)*time.Millisecond
	case t.Schedule.Cron != "":
		// Fire at most once per minute boundary.
		if ran && last.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
			return false
		}
		due, err := gronx.New().IsDue(t.Schedule.Cron, now)
		return err == nil && due
	}
	return false
}

// runOne executes a single task and records the run.
func (s *Service) runOne(t Task) RunRecord {
	started := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), s.taskTO)
	summary, err := s.executor.Execute(ctx, t.Action, t.Params)
	cancel()
	ended := time.Now().UTC()

	rec := RunRecord{
		TaskID:     t.ID,
		StartedAt:  started,
		EndedAt:    ended,
		OK:         err == nil,
		Summary:    summary,
		DurationMs: ended.Sub(started).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
		s.log.Warn("cron task failed", "task", t.ID, "action", t.Action, "error", err)
	} else {
		s.log.Info("cron task ran", "task", t.ID, "action", t.Action, "duration_ms", rec.DurationMs)
	}

	s.mu.Lock()
	s.history[t.ID] = append(s.history[t.ID], rec)
	if len(s.history[t.ID]) > s.histCap {
		s.history[t.ID] = s.history[t.ID][len(s.history[t.ID])-s.histCap:]
	}
	s.mu.Unlock()
	return rec
}
