// Package aggregator implements the Telemetry Aggregator (component C):
// it attaches N telemetry nodes, merges their event logs into one
// totally-ordered unified log, and maintains a frozen, whole-rebuilt
// unified read model.
package aggregator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/patzehq/patze-control/internal/telemetry"
)

// merged is a single event annotated with the node it came from, used only
// to compute and hold the total order.
type merged struct {
	event telemetry.Event
	node  string
}

// SnapshotListener is notified with the recomputed unified snapshot after
// every accepted event.
type SnapshotListener func(telemetry.Snapshot)

// EventListener is re-notified with the raw event as it is merged in.
type EventListener func(telemetry.Event)

// Aggregator fans in multiple Nodes into one unified, deterministically
// merged log and read model (component C).
type Aggregator struct {
	mu        sync.Mutex
	nodes     map[string]*telemetry.Node
	unsubs    map[string]telemetry.Unsubscribe
	merged    []merged
	seen      map[string]bool // dedup key: nodeId + "\x00" + eventId
	projector *telemetry.Projector

	snapshotListeners []SnapshotListener
	eventListeners    []EventListener
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		nodes:     make(map[string]*telemetry.Node),
		unsubs:    make(map[string]telemetry.Unsubscribe),
		seen:      make(map[string]bool),
		projector: telemetry.NewProjector(),
	}
}

// AttachNode attaches a node under nodeId. Rejected if nodeId is already
// present. Subscribes to future appends, then seeds the unified log with
// the node's existing events (deduped by (nodeId,eventId)).
func (a *Aggregator) AttachNode(nodeID string, node *telemetry.Node) error {
	a.mu.Lock()
	if _, exists := a.nodes[nodeID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("node %q already attached", nodeID)
	}
	a.nodes[nodeID] = node
	a.mu.Unlock()

	// Subscribe before seeding, so nothing is missed in the gap between
	// the two; the (nodeId,eventId) dedup in ingest keeps an event seen by
	// both paths from being double counted.
	unsub := node.Store().Subscribe(func(e telemetry.Event) {
		a.ingest(nodeID, e)
	})

	for _, e := range node.Store().GetLog() {
		a.ingest(nodeID, e)
	}

	a.mu.Lock()
	a.unsubs[nodeID] = unsub
	a.mu.Unlock()

	return nil
}

// DetachNode removes a node's subscription. Its already-merged events
// remain part of the unified log (the aggregator owns the merged history,
// not the node).
func (a *Aggregator) DetachNode(nodeID string) {
	a.mu.Lock()
	unsub, ok := a.unsubs[nodeID]
	delete(a.unsubs, nodeID)
	delete(a.nodes, nodeID)
	a.mu.Unlock()

	if ok {
		unsub()
	}
}

func (a *Aggregator) ingest(nodeID string, e telemetry.Event) {
	a.mu.Lock()
	key := nodeID + "\x00" + e.ID
	if a.seen[key] {
		a.mu.Unlock()
		return
	}
	a.seen[key] = true
	a.merged = append(a.merged, merged{event: e, node: nodeID})
	sortMerged(a.merged)

	// Rebuild the projection whole from the merged log, under the lock, so
	// snapshot subscribers never observe an intermediate state.
	a.projector = telemetry.NewProjector()
	for _, m := range a.merged {
		a.projector.Apply(m.event)
	}
	snap := a.projector.Snapshot()

	snapshotTargets := append([]SnapshotListener(nil), a.snapshotListeners...)
	eventTargets := append([]EventListener(nil), a.eventListeners...)
	a.mu.Unlock()

	for _, l := range eventTargets {
		safeNotifyEvent(l, e)
	}
	for _, l := range snapshotTargets {
		safeNotifySnapshot(l, snap)
	}
}

func safeNotifyEvent(l EventListener, e telemetry.Event) {
	defer func() { _ = recover() }()
	l(e)
}

func safeNotifySnapshot(l SnapshotListener, s telemetry.Snapshot) {
	defer func() { _ = recover() }()
	l(s)
}

// sortMerged orders by (ts asc, id asc, nodeId asc, localIndex asc), the
// total order that makes fan-in deterministic.
func sortMerged(m []merged) {
	sort.SliceStable(m, func(i, j int) bool {
		a, b := m[i], m[j]
		if !a.event.TS.Equal(b.event.TS) {
			return a.event.TS.Before(b.event.TS)
		}
		if a.event.ID != b.event.ID {
			return a.event.ID < b.event.ID
		}
		if a.node != b.node {
			return a.node < b.node
		}
		return a.event.LocalIndex < b.event.LocalIndex
	})
}

// SubscribeSnapshots registers a listener for the recomputed unified
// snapshot.
func (a *Aggregator) SubscribeSnapshots(l SnapshotListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshotListeners = append(a.snapshotListeners, l)
}

// SubscribeEvents registers a listener for each merged-in event.
func (a *Aggregator) SubscribeEvents(l EventListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventListeners = append(a.eventListeners, l)
}

// UnifiedLog returns the merged, totally-ordered event log.
func (a *Aggregator) UnifiedLog() []telemetry.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]telemetry.Event, len(a.merged))
	for i, m := range a.merged {
		out[i] = m.event
	}
	return out
}

// Snapshot returns the current unified read model.
func (a *Aggregator) Snapshot() telemetry.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.projector.Snapshot()
}

// ActiveRunsByMachineID indexes the current active runs by machine id.
// Indexes are rebuilt whole on every call, favoring correctness over
// incrementality.
func (a *Aggregator) ActiveRunsByMachineID() map[string][]telemetry.Run {
	a.mu.Lock()
	active := a.projector.ActiveRuns()
	a.mu.Unlock()

	out := make(map[string][]telemetry.Run)
	for _, r := range active {
		out[r.MachineID] = append(out[r.MachineID], r)
	}
	return out
}

// SessionsByMachineID indexes the current sessions by machine id.
func (a *Aggregator) SessionsByMachineID() map[string][]telemetry.Session {
	snap := a.Snapshot()
	out := make(map[string][]telemetry.Session)
	for _, s := range snap.Sessions {
		out[s.MachineID] = append(out[s.MachineID], s)
	}
	return out
}

// RunsBySessionID indexes the current runs by session id.
func (a *Aggregator) RunsBySessionID() map[string][]telemetry.Run {
	snap := a.Snapshot()
	out := make(map[string][]telemetry.Run)
	for _, r := range snap.Runs {
		out[r.SessionID] = append(out[r.SessionID], r)
	}
	return out
}

// AttachedNodeCount returns how many nodes are currently attached.
func (a *Aggregator) AttachedNodeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}
