// Package metrics holds the Prometheus metrics for the Patze control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Patze Control.
type Metrics struct {
	EventsIngestedTotal     *prometheus.CounterVec
	EventsRejectedTotal     *prometheus.CounterVec
	AttachedNodes           prometheus.Gauge
	SnapshotRebuildsTotal   prometheus.Counter

	TunnelsOpen      prometheus.Gauge
	TunnelDialTotal  *prometheus.CounterVec
	AttachmentsTotal *prometheus.CounterVec

	BridgeSetupTotal *prometheus.CounterVec

	SyncTicksTotal    *prometheus.CounterVec
	SyncFailuresTotal *prometheus.CounterVec

	CommandsTotal       *prometheus.CounterVec
	CommandLeaseExpired prometheus.Counter

	ConfigApplyTotal *prometheus.CounterVec

	DriftsTotal      *prometheus.CounterVec
	AlertsDispatched *prometheus.CounterVec
	HealthScore      *prometheus.GaugeVec

	TaskRunsTotal *prometheus.CounterVec

	SSEConnections  prometheus.Gauge
	SSEDroppedTotal prometheus.Counter
	OperationsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		EventsIngestedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_events_ingested_total",
			Help: "Total telemetry events accepted, by event type",
		}, []string{"type"}),
		EventsRejectedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_events_rejected_total",
			Help: "Total telemetry events rejected, by reason",
		}, []string{"reason"}),
		AttachedNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "patze_aggregator_attached_nodes",
			Help: "Number of telemetry nodes currently attached to the aggregator",
		}),
		SnapshotRebuildsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "patze_aggregator_snapshot_rebuilds_total",
			Help: "Total number of unified snapshot recomputations",
		}),
		TunnelsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "patze_ssh_tunnels_open",
			Help: "Number of currently open SSH tunnels",
		}),
		TunnelDialTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_ssh_tunnel_dial_total",
			Help: "Total SSH tunnel dial attempts, by result",
		}, []string{"result"}),
		AttachmentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_attachments_total",
			Help: "Total endpoint attach/detach operations, by result",
		}, []string{"result"}),
		BridgeSetupTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_bridge_setup_total",
			Help: "Total bridge setup state transitions, by state",
		}, []string{"state"}),
		SyncTicksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_sync_ticks_total",
			Help: "Total sync manager polling ticks, by result",
		}, []string{"result"}),
		SyncFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_sync_failures_total",
			Help: "Total sync manager failures, by target",
		}, []string{"target_id"}),
		CommandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_bridge_commands_total",
			Help: "Total bridge command lifecycle transitions, by state",
		}, []string{"state"}),
		CommandLeaseExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "patze_bridge_command_lease_expired_total",
			Help: "Total bridge command leases that expired without a heartbeat",
		}),
		ConfigApplyTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_config_apply_total",
			Help: "Total config command queue applies, by result",
		}, []string{"result"}),
		DriftsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_fleet_drifts_total",
			Help: "Total drifts detected, by category",
		}, []string{"category"}),
		AlertsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_fleet_alerts_dispatched_total",
			Help: "Total alerts dispatched, by destination",
		}, []string{"destination_id"}),
		HealthScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patze_fleet_health_score",
			Help: "Current fleet target health score (0-100)",
		}, []string{"target_id"}),
		TaskRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_cron_task_runs_total",
			Help: "Total cron task runs, by action and result",
		}, []string{"action", "result"}),
		SSEConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "patze_sse_connections",
			Help: "Number of currently connected SSE subscribers",
		}),
		SSEDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "patze_sse_dropped_total",
			Help: "Total SSE subscribers disconnected for backpressure overflow",
		}),
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_operations_total",
			Help: "Total operations recorded in the journal, by outcome",
		}, []string{"outcome"}),
	}
}
