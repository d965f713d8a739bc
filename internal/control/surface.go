// Package control implements the Control Surface (component M): the
// stateless HTTP facade that owns every component instance, authorizes
// requests, keeps the operation journal, and fans events out over SSE
// with backpressure.
package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patzehq/patze-control/internal/attach"
	"github.com/patzehq/patze-control/internal/bridgecmd"
	"github.com/patzehq/patze-control/internal/bridgesetup"
	"github.com/patzehq/patze-control/internal/config"
	"github.com/patzehq/patze-control/internal/configqueue"
	"github.com/patzehq/patze-control/internal/cron"
	"github.com/patzehq/patze-control/internal/fleet"
	"github.com/patzehq/patze-control/internal/health"
	"github.com/patzehq/patze-control/internal/journal"
	"github.com/patzehq/patze-control/internal/logging"
	"github.com/patzehq/patze-control/internal/metrics"
	ocsync "github.com/patzehq/patze-control/internal/openclaw/sync"
	"github.com/patzehq/patze-control/internal/openclaw/target"
	"github.com/patzehq/patze-control/internal/security"
	"github.com/patzehq/patze-control/internal/sshtunnel"
	"github.com/patzehq/patze-control/internal/telemetry"
	"github.com/patzehq/patze-control/internal/telemetry/aggregator"
)

// Deps are the component instances the Surface fronts.
type Deps struct {
	Config      *config.Config
	Auth        AuthConfig
	Log         *slog.Logger
	Metrics     *metrics.Metrics
	LogTail     *logging.Recorder
	Aggregator  *aggregator.Aggregator
	Tunnels     *sshtunnel.Runtime
	Attachments *attach.Orchestrator
	Bridges     *bridgesetup.Manager
	Targets     *target.Store
	SyncManager *ocsync.Manager
	Commands    *bridgecmd.Store
	ConfigQueue *configqueue.Queue
	Profiles    *fleet.ProfileStore
	Engine      *fleet.Engine
	Approver    *fleet.Approver
	Alerts      *fleet.AlertRouter
	Cron        *cron.Service
	Version     string
}

// Surface is the control plane's HTTP facade.
type Surface struct {
	log     *slog.Logger
	cfg     *config.Config
	auth    AuthConfig
	metrics *metrics.Metrics
	logTail *logging.Recorder
	journal *journal.Journal

	agg         *aggregator.Aggregator
	tunnels     *sshtunnel.Runtime
	attachments *attach.Orchestrator
	bridges     *bridgesetup.Manager
	targets     *target.Store
	syncMgr     *ocsync.Manager
	commands    *bridgecmd.Store
	configQ     *configqueue.Queue
	profiles    *fleet.ProfileStore
	engine      *fleet.Engine
	approver    *fleet.Approver
	alerts      *fleet.AlertRouter
	cron        *cron.Service

	events   *sseBroker
	syncRate *security.SyncLimiter
	health   *health.Handler
	opSeq    atomic.Int64

	nodeMu sync.Mutex
	nodes  map[string]*telemetry.Node // machineID -> ingest node
}

// New wires a Surface over its components and subscribes the SSE broker
// to the aggregator and sync manager.
func New(deps Deps) *Surface {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Surface{
		log:         log,
		cfg:         deps.Config,
		auth:        deps.Auth,
		metrics:     deps.Metrics,
		logTail:     deps.LogTail,
		journal:     journal.New(300),
		agg:         deps.Aggregator,
		tunnels:     deps.Tunnels,
		attachments: deps.Attachments,
		bridges:     deps.Bridges,
		targets:     deps.Targets,
		syncMgr:     deps.SyncManager,
		commands:    deps.Commands,
		configQ:     deps.ConfigQueue,
		profiles:    deps.Profiles,
		engine:      deps.Engine,
		approver:    deps.Approver,
		alerts:      deps.Alerts,
		cron:        deps.Cron,
		nodes:       make(map[string]*telemetry.Node),
	}
	s.events = newSSEBroker(func() {
		if s.metrics != nil {
			s.metrics.SSEDroppedTotal.Inc()
		}
	})

	s.syncRate = security.NewSyncLimiter(deps.Config.Bridge.CronSyncRateLimitMax)

	s.health = health.NewHandler(s.healthStats, deps.Version, true)
	if s.metrics != nil {
		s.health.SetMetrics(s.metrics)
	}

	if s.agg != nil {
		s.agg.SubscribeEvents(func(e telemetry.Event) {
			if data, err := json.Marshal(e); err == nil {
				s.events.publish(sseEvent("telemetry", data))
			}
		})
		s.agg.SubscribeSnapshots(func(snap telemetry.Snapshot) {
			if data, err := json.Marshal(snap); err == nil {
				s.events.publish(sseEvent("snapshot", data))
			}
		})
	}
	if s.syncMgr != nil {
		s.syncMgr.Subscribe(func(targetID string, st ocsync.Status) {
			payload := map[string]any{"targetId": targetID, "status": st}
			if data, err := json.Marshal(payload); err == nil {
				s.events.publish(sseEvent("sync-status", data))
			}
		})
	}

	return s
}

// Handler builds the full route table behind the auth middleware.
// /health stays unauthenticated so probes and tunnels can reach it.
func (s *Surface) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /health", s.health)
	if s.cfg.Monitoring.MetricsEnabled {
		mux.Handle("GET "+s.cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
	}

	api := http.NewServeMux()

	// Telemetry (components A-C).
	api.HandleFunc("POST /telemetry/events", s.handleIngest)
	api.HandleFunc("GET /telemetry/snapshot", s.handleSnapshot)
	api.HandleFunc("GET /telemetry/log", s.handleUnifiedLog)
	api.HandleFunc("GET /events/stream", s.handleEventStream)

	// Tunnels and attachments (components D-E).
	api.HandleFunc("GET /tunnels", s.handleListTunnels)
	api.HandleFunc("DELETE /tunnels/{id}", s.handleCloseTunnel)
	api.HandleFunc("POST /attachments", s.handleAttach)
	api.HandleFunc("GET /attachments", s.handleListAttachments)
	api.HandleFunc("DELETE /attachments/{id}", s.handleDetach)
	api.HandleFunc("GET /attachments/{id}/config", s.handleEndpointConfig)

	// Bridge setup (component F).
	api.HandleFunc("POST /bridges/preflight", s.handlePreflight)
	api.HandleFunc("POST /bridges/setup", s.handleBridgeSetup)
	api.HandleFunc("POST /bridges/{id}/sudo-password", s.handleSudoPassword)
	api.HandleFunc("POST /bridges/{id}/user-mode", s.handleUserMode)
	api.HandleFunc("GET /bridges", s.handleListBridges)

	// Targets and sync (component G).
	api.HandleFunc("POST /openclaw/targets", s.handleCreateTarget)
	api.HandleFunc("GET /openclaw/targets", s.handleListTargets)
	api.HandleFunc("DELETE /openclaw/targets/{id}", s.handleRemoveTarget)
	api.HandleFunc("GET /openclaw/targets/{id}/status", s.handleTargetStatus)
	api.HandleFunc("GET /openclaw/statuses", s.handleAllStatuses)
	api.HandleFunc("GET /openclaw/targets/{id}/jobs", s.handleTargetJobs)
	api.HandleFunc("GET /openclaw/targets/{id}/jobs/{jobId}/runs", s.handleRunHistory)
	api.HandleFunc("GET /openclaw/targets/{id}/merged", s.handleMergedView)
	api.HandleFunc("POST /openclaw/targets/{id}/restart-sync", s.handleRestartSync)

	// Bridge pull surface (components G-H, bridge side).
	api.HandleFunc("POST /openclaw/bridge/cron-sync", s.handleCronSync)
	api.HandleFunc("POST /openclaw/bridge/commands/poll", s.handleCommandPoll)
	api.HandleFunc("POST /openclaw/bridge/commands/{id}/ack", s.handleCommandAck)
	api.HandleFunc("POST /openclaw/bridge/commands/{id}/heartbeat", s.handleCommandHeartbeat)
	api.HandleFunc("POST /openclaw/bridge/commands/{id}/result", s.handleCommandResult)

	// Operator command surface (component H).
	api.HandleFunc("POST /commands", s.handleEnqueueCommand)
	api.HandleFunc("GET /commands", s.handleListCommands)
	api.HandleFunc("POST /commands/{id}/approve", s.handleApproveCommand)
	api.HandleFunc("POST /commands/{id}/reject", s.handleRejectCommand)

	// Config command queue (component I).
	api.HandleFunc("POST /config/{targetId}/commands", s.handleConfigEnqueue)
	api.HandleFunc("GET /config/{targetId}/commands", s.handleConfigPending)
	api.HandleFunc("GET /config/{targetId}/preview", s.handleConfigPreview)
	api.HandleFunc("POST /config/{targetId}/apply", s.handleConfigApply)
	api.HandleFunc("GET /config/{targetId}/snapshots", s.handleConfigSnapshots)
	api.HandleFunc("POST /config/{targetId}/rollback", s.handleConfigRollback)

	// Fleet engine (component J).
	api.HandleFunc("GET /fleet/status", s.handleFleetStatus)
	api.HandleFunc("GET /fleet/profiles", s.handleListProfiles)
	api.HandleFunc("POST /fleet/profiles", s.handleCreateProfile)
	api.HandleFunc("POST /fleet/apply", s.handleFleetApply)
	api.HandleFunc("GET /fleet/alerts", s.handleGetAlertConfig)
	api.HandleFunc("PUT /fleet/alerts", s.handlePutAlertConfig)

	// Cron tasks (components K-L).
	api.HandleFunc("POST /tasks", s.handleCreateTask)
	api.HandleFunc("GET /tasks", s.handleListTasks)
	api.HandleFunc("DELETE /tasks/{id}", s.handleRemoveTask)
	api.HandleFunc("POST /tasks/{id}/run", s.handleRunTask)
	api.HandleFunc("GET /tasks/{id}/history", s.handleTaskHistory)

	// Operations journal and logs.
	api.HandleFunc("GET /operations", s.handleOperations)
	api.HandleFunc("GET /logs", s.handleLogs)

	mux.Handle("/", s.requireAuth(api))
	return mux
}

// beginOp records a started journal entry and returns a completion
// function. Operation ids increase monotonically within the process.
func (s *Surface) beginOp(kind, detail string) func(err error) {
	id := fmt.Sprintf("op-%d", s.opSeq.Add(1))
	started := time.Now().UTC()
	s.journal.Record(journal.Entry{
		ID: id, Kind: kind, Outcome: journal.Started, StartedAt: started, Detail: detail,
	})
	return func(err error) {
		outcome := journal.Succeeded
		entryDetail := detail
		if err != nil {
			outcome = journal.Failed
			entryDetail = err.Error()
		}
		s.journal.Record(journal.Entry{
			ID: id, Kind: kind, Outcome: outcome,
			StartedAt: started, EndedAt: time.Now().UTC(), Detail: entryDetail,
		})
		if s.metrics != nil {
			s.metrics.OperationsTotal.WithLabelValues(string(outcome)).Inc()
		}
	}
}

// nodeFor returns (creating and attaching on first use) the ingest node
// for a machine.
func (s *Surface) nodeFor(machineID string) *telemetry.Node {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	if n, ok := s.nodes[machineID]; ok {
		return n
	}
	n := telemetry.NewNode(machineID)
	s.nodes[machineID] = n
	if err := s.agg.AttachNode(machineID, n); err != nil {
		s.log.Error("attaching telemetry node", "machine", machineID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.AttachedNodes.Set(float64(s.agg.AttachedNodeCount()))
	}
	return n
}

// healthStats is the StatsFunc the health handler reads on every probe.
func (s *Surface) healthStats() health.Stats {
	pending := int64(0)
	for _, cmd := range s.commands.List("") {
		if !cmd.State.IsTerminal() {
			pending++
		}
	}
	return health.Stats{
		AttachedNodes:       s.agg.AttachedNodeCount(),
		OpenTunnels:         len(s.tunnels.ListTunnels()),
		EventsIngestedTotal: int64(len(s.agg.UnifiedLog())),
		PendingCommands:     pending,
	}
}
