package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SyncKey identifies one bridge rate bucket: the reporting machine id
// plus the source address it reports from. Keying on both stops a single
// machine id from being replayed across hosts to multiply its budget.
type SyncKey struct {
	MachineID string
	SourceIP  string
}

type syncBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SyncLimiter enforces the per-(machineId, sourceIp) request budget for
// bridge cron-sync: a sliding 60-second window, 60 requests by default.
// Idle buckets are pruned inline during Allow rather than by a background
// goroutine, so the limiter has no lifecycle to manage.
type SyncLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	perWindow int
	maxKeys   int
	buckets   map[SyncKey]*syncBucket
	lastPrune time.Time
}

// NewSyncLimiter creates a limiter allowing perWindow requests per key
// per sliding minute.
func NewSyncLimiter(perWindow int) *SyncLimiter {
	if perWindow <= 0 {
		perWindow = 60
	}
	return &SyncLimiter{
		window:    time.Minute,
		perWindow: perWindow,
		maxKeys:   10000,
		buckets:   make(map[SyncKey]*syncBucket),
		lastPrune: time.Now(),
	}
}

// Allow reports whether one more request from (machineID, sourceIP) fits
// the window. New keys beyond the tracking cap are refused outright to
// bound memory.
func (l *SyncLimiter) Allow(machineID, sourceIP string) bool {
	key := SyncKey{MachineID: machineID, SourceIP: sourceIP}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > l.window {
		l.pruneLocked(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			return false
		}
		b = &syncBucket{limiter: rate.NewLimiter(l.refillRate(), l.perWindow)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// SetBudget replaces the per-window budget. Existing buckets are dropped
// so the new rate applies on the next request.
func (l *SyncLimiter) SetBudget(perWindow int) {
	if perWindow <= 0 {
		return
	}
	l.mu.Lock()
	l.perWindow = perWindow
	l.buckets = make(map[SyncKey]*syncBucket)
	l.mu.Unlock()
}

// RetryAfterSeconds is the Retry-After value a 429 response should carry.
func (l *SyncLimiter) RetryAfterSeconds() int {
	return int(l.window.Seconds())
}

// TrackedKeys returns how many buckets are currently live.
func (l *SyncLimiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *SyncLimiter) refillRate() rate.Limit {
	return rate.Limit(float64(l.perWindow) / l.window.Seconds())
}

// pruneLocked evicts buckets idle for more than two windows. Caller
// holds l.mu.
func (l *SyncLimiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > 2*l.window {
			delete(l.buckets, key)
		}
	}
	l.lastPrune = now
}
