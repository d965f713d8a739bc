package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := New()

	if m.EventsIngestedTotal == nil {
		t.Error("EventsIngestedTotal is nil")
	}
	if m.AttachedNodes == nil {
		t.Error("AttachedNodes is nil")
	}
	if m.TunnelsOpen == nil {
		t.Error("TunnelsOpen is nil")
	}
	if m.CommandsTotal == nil {
		t.Error("CommandsTotal is nil")
	}
	if m.HealthScore == nil {
		t.Error("HealthScore is nil")
	}

	m.EventsIngestedTotal.WithLabelValues("run_started").Inc()
	m.EventsRejectedTotal.WithLabelValues("bad_schema").Inc()
	m.AttachedNodes.Set(3)
	m.SnapshotRebuildsTotal.Inc()
	m.TunnelsOpen.Set(2)
	m.TunnelDialTotal.WithLabelValues("success").Inc()
	m.AttachmentsTotal.WithLabelValues("attached").Inc()
	m.BridgeSetupTotal.WithLabelValues("ready").Inc()
	m.SyncTicksTotal.WithLabelValues("ok").Inc()
	m.SyncFailuresTotal.WithLabelValues("target-1").Inc()
	m.CommandsTotal.WithLabelValues("succeeded").Inc()
	m.CommandLeaseExpired.Inc()
	m.ConfigApplyTotal.WithLabelValues("applied").Inc()
	m.DriftsTotal.WithLabelValues("version_mismatch").Inc()
	m.AlertsDispatched.WithLabelValues("webhook-1").Inc()
	m.HealthScore.WithLabelValues("target-1").Set(92)
	m.TaskRunsTotal.WithLabelValues("cron", "succeeded").Inc()
	m.SSEConnections.Set(4)
	m.SSEDroppedTotal.Inc()
	m.OperationsTotal.WithLabelValues("succeeded").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"patze_events_ingested_total",
		"patze_events_rejected_total",
		"patze_aggregator_attached_nodes",
		"patze_ssh_tunnels_open",
		"patze_bridge_commands_total",
		"patze_fleet_health_score",
		"patze_cron_task_runs_total",
		"patze_sse_connections",
		"patze_operations_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("missing metric: %s", name)
		}
	}
}
