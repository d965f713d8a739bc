package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/patzehq/patze-control/internal/metrics"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status        string   `json:"status"`
	Uptime        string   `json:"uptime"`
	AttachedNodes int      `json:"attached_nodes"`
	OpenTunnels   int      `json:"open_tunnels"`
	Version       string   `json:"version"`
	Timestamp     string   `json:"timestamp"`
	Details       *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	EventsIngestedTotal int64   `json:"events_ingested_total"`
	PendingCommands     int64   `json:"pending_commands"`
	MemoryMB            float64 `json:"memory_mb"`
}

// Stats is a point-in-time snapshot the caller supplies for the health
// response. It decouples the handler from any one component's internals.
type Stats struct {
	AttachedNodes       int
	OpenTunnels         int
	EventsIngestedTotal int64
	PendingCommands     int64
	Degraded            bool
}

// StatsFunc is supplied by the Control Surface at wiring time and read on
// every request; it must not block.
type StatsFunc func() Stats

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	statsFunc StatsFunc
	metrics   *metrics.Metrics // optional, nil if metrics disabled
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(statsFunc StatsFunc, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		statsFunc: statsFunc,
		version:   version,
		detailed:  detailed,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP handles health check requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats := h.statsFunc()

	if h.metrics != nil {
		h.metrics.AttachedNodes.Set(float64(stats.AttachedNodes))
		h.metrics.TunnelsOpen.Set(float64(stats.OpenTunnels))
	}

	status := "ok"
	httpCode := http.StatusOK
	if stats.Degraded {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:        status,
		Uptime:        time.Since(h.startTime).Round(time.Second).String(),
		AttachedNodes: stats.AttachedNodes,
		OpenTunnels:   stats.OpenTunnels,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			EventsIngestedTotal: stats.EventsIngestedTotal,
			PendingCommands:     stats.PendingCommands,
			MemoryMB:            float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
