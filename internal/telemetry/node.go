package telemetry

import "github.com/patzehq/patze-control/internal/apierr"

// IngestResult is the outcome of a single Node.Ingest call.
type IngestResult struct {
	OK    bool
	Event Event
	Err   *apierr.Error
}

// Node wraps one Event Store with one Projector bound to it, so every
// subscriber of the store observes a consistent, already-updated
// projection (component B: Telemetry Node).
type Node struct {
	ID        string
	store     *Store
	projector *Projector
}

// NewNode creates a Node and binds its projector to its store so the
// projector stays current for any other subscriber of the store.
func NewNode(id string) *Node {
	n := &Node{
		ID:        id,
		store:     NewStore(),
		projector: NewProjector(),
	}
	n.store.Subscribe(n.projector.Apply)
	return n
}

// Store returns the node's underlying event store.
func (n *Node) Store() *Store { return n.store }

// Projector returns the node's read-model projector.
func (n *Node) Projector() *Projector { return n.projector }

// Ingest validates and appends a single raw event.
func (n *Node) Ingest(e Event) IngestResult {
	result, err := n.store.Append(e)
	if err != nil {
		return IngestResult{OK: false, Err: apierr.New(apierr.InvalidBody, err.Error())}
	}
	switch result {
	case Invalid:
		return IngestResult{OK: false, Err: apierr.New(apierr.InvalidBody, "invalid event")}
	case Duplicate:
		return IngestResult{OK: true, Event: e}
	default:
		return IngestResult{OK: true, Event: e}
	}
}

// IngestMany ingests a batch, returning one result per input event in order.
func (n *Node) IngestMany(events []Event) []IngestResult {
	results := make([]IngestResult, len(events))
	for i, e := range events {
		results[i] = n.Ingest(e)
	}
	return results
}
