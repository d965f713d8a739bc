package aggregator

import (
	"testing"
	"time"

	"github.com/patzehq/patze-control/internal/telemetry"
)

func ev(id, machineID, typ string, ts time.Time) telemetry.Event {
	return telemetry.Event{
		Version:   "telemetry.v1",
		ID:        id,
		TS:        ts,
		MachineID: machineID,
		Severity:  telemetry.SeverityInfo,
		Type:      typ,
		Payload:   map[string]any{},
	}
}

func TestAttachNode_RejectsDuplicate(t *testing.T) {
	a := New()
	n := telemetry.NewNode("node-a")
	if err := a.AttachNode("a", n); err != nil {
		t.Fatalf("unexpected error on first attach: %v", err)
	}
	if err := a.AttachNode("a", n); err == nil {
		t.Error("expected error attaching duplicate nodeId")
	}
}

func TestAttachNode_SeedsExistingLog(t *testing.T) {
	n := telemetry.NewNode("node-a")
	ts := time.Now().UTC()
	n.Ingest(ev("e1", "m1", "machine.heartbeat", ts))
	n.Ingest(ev("e2", "m1", "machine.heartbeat", ts.Add(time.Second)))

	a := New()
	if err := a.AttachNode("a", n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(a.UnifiedLog()); got != 2 {
		t.Fatalf("UnifiedLog len = %d, want 2", got)
	}
}

func TestAttachNode_LiveAppendsMergeIn(t *testing.T) {
	n := telemetry.NewNode("node-a")
	a := New()
	a.AttachNode("a", n)

	n.Ingest(ev("e1", "m1", "machine.heartbeat", time.Now().UTC()))
	if got := len(a.UnifiedLog()); got != 1 {
		t.Fatalf("UnifiedLog len = %d, want 1", got)
	}
}

// TestFanInOrderingIndependentOfAttachOrder is grounded on the fan-in
// ordering scenario: two nodes each contribute one event at the same
// timestamp; the unified order must tie-break on event id regardless of
// which node was attached first.
func TestFanInOrderingIndependentOfAttachOrder(t *testing.T) {
	ts := time.Now().UTC()

	run := func(attachFirst, attachSecond string) []string {
		nodeA := telemetry.NewNode("node-a")
		nodeB := telemetry.NewNode("node-b")
		nodeA.Ingest(ev("a1", "m1", "machine.heartbeat", ts))
		nodeB.Ingest(ev("a2", "m1", "machine.heartbeat", ts))

		nodes := map[string]*telemetry.Node{"a": nodeA, "b": nodeB}
		agg := New()
		agg.AttachNode(attachFirst, nodes[attachFirst])
		agg.AttachNode(attachSecond, nodes[attachSecond])

		var ids []string
		for _, e := range agg.UnifiedLog() {
			ids = append(ids, e.ID)
		}
		return ids
	}

	want := []string{"a1", "a2"}
	if got := run("a", "b"); !equalStrings(got, want) {
		t.Errorf("attach a,b: got %v, want %v", got, want)
	}
	if got := run("b", "a"); !equalStrings(got, want) {
		t.Errorf("attach b,a: got %v, want %v", got, want)
	}
}

func TestSameEventIDOnTwoNodesIsKept(t *testing.T) {
	n := telemetry.NewNode("node-a")
	ts := time.Now().UTC()
	n.Ingest(ev("e1", "m1", "machine.heartbeat", ts))

	a := New()
	a.AttachNode("a", n)
	// Re-ingesting the same id on the node is a store-level duplicate and
	// will not even reach the subscriber, but attaching twice under
	// different aggregator node ids must still dedup by (nodeId,eventId)
	// rather than eventId alone, so a second node may reuse event ids.
	n2 := telemetry.NewNode("node-b")
	n2.Ingest(ev("e1", "m1", "machine.heartbeat", ts))
	a.AttachNode("b", n2)

	if got := len(a.UnifiedLog()); got != 2 {
		t.Fatalf("UnifiedLog len = %d, want 2 (dedup key includes nodeId)", got)
	}
}

func TestSnapshotReflectsMergedRuns(t *testing.T) {
	n := telemetry.NewNode("node-a")
	ts := time.Now().UTC()
	n.Ingest(telemetry.Event{
		Version: "telemetry.v1", ID: "e1", TS: ts, MachineID: "m1",
		Severity: telemetry.SeverityInfo, Type: "run.updated",
		Payload: map[string]any{"runId": "r1", "sessionId": "s1", "state": telemetry.StateRunning},
	})

	a := New()
	a.AttachNode("a", n)

	active := a.ActiveRunsByMachineID()
	if len(active["m1"]) != 1 {
		t.Fatalf("ActiveRunsByMachineID[m1] = %v, want 1 entry", active["m1"])
	}
}

func TestSnapshotListenersFireOnAppend(t *testing.T) {
	n := telemetry.NewNode("node-a")
	a := New()
	a.AttachNode("a", n)

	var fired int
	a.SubscribeSnapshots(func(s telemetry.Snapshot) { fired++ })
	n.Ingest(ev("e1", "m1", "machine.heartbeat", time.Now().UTC()))

	if fired != 1 {
		t.Errorf("snapshot listener fired %d times, want 1", fired)
	}
}

func TestAttachedNodeCount(t *testing.T) {
	a := New()
	a.AttachNode("a", telemetry.NewNode("node-a"))
	a.AttachNode("b", telemetry.NewNode("node-b"))
	if got := a.AttachedNodeCount(); got != 2 {
		t.Errorf("AttachedNodeCount() = %d, want 2", got)
	}
	a.DetachNode("a")
	if got := a.AttachedNodeCount(); got != 1 {
		t.Errorf("AttachedNodeCount() after detach = %d, want 1", got)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
