package control

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// maxPendingChunks bounds each SSE subscriber's pending queue; a
// subscriber that falls this far behind is disconnected so its buffers
// can be freed without affecting anyone else.
const maxPendingChunks = 1024

// sseHeartbeatInterval is how often a comment line keeps idle streams
// alive through proxies.
const sseHeartbeatInterval = 15 * time.Second

// sseSubscriber is one connected event-stream client.
type sseSubscriber struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *sseSubscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// sseBroker fans events out to subscribers with per-subscriber bounded
// queues: backpressure is applied by disconnecting, never by blocking.
type sseBroker struct {
	mu   sync.Mutex
	subs map[*sseSubscriber]bool

	onDrop func()
}

func newSSEBroker(onDrop func()) *sseBroker {
	return &sseBroker{
		subs:   make(map[*sseSubscriber]bool),
		onDrop: onDrop,
	}
}

func (b *sseBroker) subscribe() *sseSubscriber {
	sub := &sseSubscriber{
		ch:   make(chan []byte, maxPendingChunks),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

func (b *sseBroker) unsubscribe(sub *sseSubscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// publish enqueues a chunk for every subscriber. A full queue means the
// client is not reading; it is dropped immediately rather than blocking
// the publisher or growing without bound.
func (b *sseBroker) publish(chunk []byte) {
	b.mu.Lock()
	var dropped []*sseSubscriber
	for sub := range b.subs {
		select {
		case sub.ch <- chunk:
		default:
			dropped = append(dropped, sub)
			delete(b.subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		if b.onDrop != nil {
			b.onDrop()
		}
	}
}

func (b *sseBroker) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// handleEventStream serves one SSE connection until the client leaves,
// the subscriber overflows, or the server shuts down.
func (s *Surface) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.events.subscribe()
	defer s.events.unsubscribe(sub)
	if s.metrics != nil {
		s.metrics.SSEConnections.Inc()
		defer s.metrics.SSEConnections.Dec()
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case chunk := <-sub.ch:
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// sseEvent formats one SSE frame.
func sseEvent(event string, data []byte) []byte {
	out := make([]byte, 0, len(event)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, event...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}
