package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/patzehq/patze-control/internal/openclaw/target"
)

// Status is one target's sync status snapshot.
type Status struct {
	Running              bool       `json:"running"`
	Available            bool       `json:"available"`
	PollIntervalMs       int        `json:"pollIntervalMs"`
	JobsCount            int        `json:"jobsCount"`
	LastAttemptAt        *time.Time `json:"lastAttemptAt,omitempty"`
	LastSuccessfulSyncAt *time.Time `json:"lastSuccessfulSyncAt,omitempty"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	LastError            string     `json:"lastError,omitempty"`
	Stale                bool       `json:"stale"`
}

// StatusListener is notified after every sync tick.
type StatusListener func(targetID string, st Status)

// UserTask is the slice of a user-defined scheduled task the merged view
// needs.
type UserTask struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
}

// MergedEntry is one row of the merged jobs/tasks view.
type MergedEntry struct {
	Source   string `json:"source"` // "openclaw" | "user"
	ID       string `json:"id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
}

// runRing is a bounded per-job run history.
type runRing struct {
	records []RunRecord
	cap     int
}

func (r *runRing) append(rec RunRecord) {
	r.records = append(r.records, rec)
	if len(r.records) > r.cap {
		r.records = r.records[len(r.records)-r.cap:]
	}
}

// runner is one target's polling loop state.
type runner struct {
	target target.Target
	spool  *Spool
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu      stdsync.Mutex
	jobs    []CronJob
	offsets map[string]int64
	history map[string]*runRing
	status  Status
}

// Manager runs one poller per started target (component G, polling half).
type Manager struct {
	log        *slog.Logger
	historyCap int

	// onlineMachine reports whether a bridge machine id currently has an
	// online connection; used by the status dedup rule.
	onlineMachine func(machineID string) bool

	mu        stdsync.Mutex
	runners   map[string]*runner
	listeners []StatusListener
}

// Option configures a Manager.
type Option func(*Manager)

// WithOnlineMachineFunc supplies the bridge-online predicate the dedup
// rule uses.
func WithOnlineMachineFunc(fn func(machineID string) bool) Option {
	return func(m *Manager) { m.onlineMachine = fn }
}

// WithHistoryCap bounds the in-memory run history kept per job.
func WithHistoryCap(n int) Option {
	return func(m *Manager) { m.historyCap = n }
}

// NewManager creates a sync Manager.
func NewManager(log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:        log,
		historyCap: 200,
		runners:    make(map[string]*runner),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers a status listener, notified after every tick.
func (m *Manager) Subscribe(l StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// StartTarget begins polling a target's spool. Starting an already
// started target is a no-op.
func (m *Manager) StartTarget(t target.Target) error {
	m.mu.Lock()
	if _, exists := m.runners[t.ID]; exists {
		m.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		target:  t,
		spool:   NewSpool(t.OpenClawDir),
		cancel:  cancel,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		offsets: make(map[string]int64),
		history: make(map[string]*runRing),
		status: Status{
			Running:        true,
			PollIntervalMs: t.PollIntervalMs,
		},
	}
	m.runners[t.ID] = r
	m.mu.Unlock()

	go m.loop(ctx, r)
	return nil
}

// StopTarget stops a target's poller, draining the in-flight tick.
// Idempotent.
func (m *Manager) StopTarget(targetID string) {
	m.mu.Lock()
	r, ok := m.runners[targetID]
	delete(m.runners, targetID)
	m.mu.Unlock()

	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// RestartTarget stops and restarts a target's poller.
func (m *Manager) RestartTarget(t target.Target) error {
	m.StopTarget(t.ID)
	return m.StartTarget(t)
}

// StopAll stops every poller.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopTarget(id)
	}
}

// Wake triggers an early tick for a target (used when a bridge sync just
// wrote the spool).
func (m *Manager) Wake(targetID string) {
	m.mu.Lock()
	r, ok := m.runners[targetID]
	m.mu.Unlock()
	if ok {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// loop is the per-target polling goroutine. A filesystem watcher on the
// spool directory wakes a tick early; the interval ticker is the
// fallback.
func (m *Manager) loop(ctx context.Context, r *runner) {
	defer close(r.done)

	interval := time.Duration(r.target.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var watchCh chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(r.spool.Dir()); err == nil {
			watchCh = make(chan fsnotify.Event, 1)
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
							select {
							case watchCh <- ev:
							default:
							}
						}
					case <-watcher.Errors:
					case <-ctx.Done():
						return
					}
				}
			}()
		}
		defer watcher.Close()
	}

	m.tick(r)
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.status.Running = false
			r.mu.Unlock()
			return
		case <-ticker.C:
			m.tick(r)
		case <-r.wake:
			m.tick(r)
		case <-watchCh:
			m.tick(r)
		}
	}
}

// tick runs the per-tick spool sync algorithm.
func (m *Manager) tick(r *runner) {
	now := time.Now().UTC()

	jobs, jobsErr := r.spool.ReadJobs()

	r.mu.Lock()
	r.status.LastAttemptAt = &now
	if jobsErr != nil {
		// Keep the previous jobs list on failure.
		r.status.ConsecutiveFailures++
		r.status.LastError = scrubSyncError(jobsErr)
		r.status.Available = !os.IsNotExist(jobsErr)
		r.mu.Unlock()
		m.notify(r)
		return
	}
	r.jobs = jobs
	r.status.Available = true
	r.status.JobsCount = len(jobs)
	offsets := make(map[string]int64, len(jobs))
	for _, j := range jobs {
		offsets[j.ID] = r.offsets[j.ID]
	}
	r.mu.Unlock()

	// Read run history outside the lock; file I/O may block.
	type delta struct {
		jobID   string
		records []RunRecord
		offset  int64
	}
	var deltas []delta
	var runsErr error
	for _, j := range jobs {
		records, next, err := r.spool.ReadRunsFrom(j.ID, offsets[j.ID])
		if err != nil {
			runsErr = err
			continue
		}
		deltas = append(deltas, delta{jobID: j.ID, records: records, offset: next})
	}

	r.mu.Lock()
	for _, d := range deltas {
		r.offsets[d.jobID] = d.offset
		if len(d.records) == 0 {
			continue
		}
		ring := r.history[d.jobID]
		if ring == nil {
			ring = &runRing{cap: m.historyCap}
			r.history[d.jobID] = ring
		}
		for _, rec := range d.records {
			ring.append(rec)
		}
	}
	if runsErr != nil {
		r.status.ConsecutiveFailures++
		r.status.LastError = scrubSyncError(runsErr)
	} else {
		r.status.LastSuccessfulSyncAt = &now
		r.status.ConsecutiveFailures = 0
		r.status.LastError = ""
	}
	r.mu.Unlock()

	m.notify(r)
}

func (m *Manager) notify(r *runner) {
	st := r.snapshot()
	m.mu.Lock()
	targets := append([]StatusListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range targets {
		l(r.target.ID, st)
	}
}

// snapshot returns the runner's status with the stale flag computed.
func (r *runner) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status
	st.Stale = isStale(st.LastSuccessfulSyncAt, st.PollIntervalMs, time.Now())
	return st
}

// isStale reports whether the last successful sync is older than three
// poll intervals.
func isStale(last *time.Time, pollIntervalMs int, now time.Time) bool {
	if last == nil {
		return true
	}
	window := 3 * time.Duration(pollIntervalMs) * time.Millisecond
	return now.Sub(*last) > window
}

// GetStatus returns a started target's status.
func (m *Manager) GetStatus(targetID string) (Status, bool) {
	m.mu.Lock()
	r, ok := m.runners[targetID]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return r.snapshot(), true
}

// StatusEntry pairs a target with its sync status.
type StatusEntry struct {
	Target target.Target `json:"target"`
	Status Status        `json:"status"`
}

// GetAllStatuses returns the status of every started target, deduplicated
// per spool directory: of multiple registrations pointing at the same
// directory, prefer the one whose openclawDir contains an online bridge
// machine id; remaining ties go to the most recently updated target. The
// match compares each path segment of the directory with the online
// predicate; an id embedded inside a longer segment does not match, and
// such targets fall through to the updatedAt tiebreak.
func (m *Manager) GetAllStatuses() []StatusEntry {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	byDir := make(map[string][]*runner)
	for _, r := range runners {
		byDir[r.target.OpenClawDir] = append(byDir[r.target.OpenClawDir], r)
	}

	var out []StatusEntry
	for _, group := range byDir {
		winner := m.dedupe(group)
		out = append(out, StatusEntry{Target: winner.target, Status: winner.snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.ID < out[j].Target.ID })
	return out
}

func (m *Manager) dedupe(group []*runner) *runner {
	if len(group) == 1 {
		return group[0]
	}
	if m.onlineMachine != nil {
		for _, r := range group {
			if dirContainsOnlineMachine(r.target.OpenClawDir, m.onlineMachine) {
				return r
			}
		}
	}
	winner := group[0]
	for _, r := range group[1:] {
		if r.target.UpdatedAt.After(winner.target.UpdatedAt) {
			winner = r
		}
	}
	return winner
}

// dirContainsOnlineMachine checks path segments of the spool directory
// against the online predicate.
func dirContainsOnlineMachine(dir string, online func(string) bool) bool {
	for _, seg := range splitPathSegments(dir) {
		if seg != "" && online(seg) {
			return true
		}
	}
	return false
}

func splitPathSegments(dir string) []string {
	var segs []string
	cur := ""
	for _, c := range dir {
		if c == '/' || c == '\\' {
			segs = append(segs, cur)
			cur = ""
			continue
		}
		cur += string(c)
	}
	segs = append(segs, cur)
	return segs
}

// GetJobs returns the last-synced jobs list for a target.
func (m *Manager) GetJobs(targetID string) ([]CronJob, error) {
	m.mu.Lock()
	r, ok := m.runners[targetID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("target %q is not being synced", targetID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CronJob(nil), r.jobs...), nil
}

// GetRunHistory returns up to limit of a job's most recent run records,
// newest last. limit <= 0 returns all buffered records.
func (m *Manager) GetRunHistory(targetID, jobID string, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	r, ok := m.runners[targetID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("target %q is not being synced", targetID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ring := r.history[jobID]
	if ring == nil {
		return nil, nil
	}
	records := ring.records
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return append([]RunRecord(nil), records...), nil
}

// CreateMergedView overlays user-defined tasks with the target's OpenClaw
// jobs for UI consumption.
func (m *Manager) CreateMergedView(targetID string, userTasks []UserTask) ([]MergedEntry, error) {
	jobs, err := m.GetJobs(targetID)
	if err != nil {
		return nil, err
	}

	out := make([]MergedEntry, 0, len(jobs)+len(userTasks))
	for _, j := range jobs {
		out = append(out, MergedEntry{
			Source: "openclaw", ID: j.ID, Name: j.Name, Schedule: j.Schedule, Enabled: j.Enabled,
		})
	}
	for _, t := range userTasks {
		out = append(out, MergedEntry{
			Source: "user", ID: t.ID, Name: t.Name, Schedule: t.Schedule, Enabled: t.Enabled,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// scrubSyncError strips filesystem paths from a sync error before it is
// surfaced in status.
func scrubSyncError(err error) string {
	msg := err.Error()
	for i := 0; i < len(msg); i++ {
		if msg[i] == '/' {
			return msg[:i] + "<path>"
		}
	}
	return msg
}
