package control

import (
	"net/http"
	"strconv"
	"time"

	"github.com/patzehq/patze-control/internal/apierr"
	"github.com/patzehq/patze-control/internal/bridgecmd"
	"github.com/patzehq/patze-control/internal/fleet"
	ocsync "github.com/patzehq/patze-control/internal/openclaw/sync"
)

// cronSyncRequest is the bridge's periodic spool upload.
type cronSyncRequest struct {
	MachineID     string                        `json:"machineId"`
	MachineLabel  string                        `json:"machineLabel,omitempty"`
	BridgeVersion string                        `json:"bridgeVersion,omitempty"`
	JobsHash      string                        `json:"jobsHash"`
	Jobs          []ocsync.CronJob              `json:"jobs,omitempty"`
	ConfigHash    string                        `json:"configHash"`
	ConfigRaw     string                        `json:"configRaw,omitempty"`
	NewRuns       map[string][]ocsync.RunRecord `json:"newRuns"`
	SentAt        *time.Time                    `json:"sentAt,omitempty"`
}

type cronSyncResponse struct {
	OK            bool   `json:"ok"`
	TargetID      string `json:"targetId"`
	JobsApplied   bool   `json:"jobsApplied"`
	ConfigApplied bool   `json:"configApplied"`
	RunDeltaJobs  int    `json:"runDeltaJobs"`
}

// handleCronSync accepts a bridge spool upload: it auto-creates the
// target on first check-in, writes the spool idempotently, records the
// fleet check-in, and wakes the sync poller. Rate-limited per
// (machineId, sourceIp) over a sliding minute.
func (s *Surface) handleCronSync(w http.ResponseWriter, r *http.Request) {
	var req cronSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MachineID == "" {
		apierr.WriteError(w, apierr.New(apierr.InvalidBody, "machineId is required"))
		return
	}

	if !s.syncRate.Allow(req.MachineID, clientIP(r.RemoteAddr)) {
		w.Header().Set("Retry-After", strconv.Itoa(s.syncRate.RetryAfterSeconds()))
		apierr.WriteError(w, apierr.New(apierr.RateLimited, "cron-sync rate limit exceeded"))
		return
	}

	tgt, created, err := s.targets.EnsureForMachine(req.MachineID, req.MachineLabel, s.cfg.Storage.CronStoreDir)
	if err != nil {
		apierr.WriteError(w, apierr.Wrap(apierr.InternalServerError, "registering target", err))
		return
	}
	if created {
		s.log.Info("auto-created target for bridge check-in",
			"target", tgt.ID, "machine", req.MachineID)
		if s.syncMgr != nil && tgt.Enabled {
			s.syncMgr.StartTarget(tgt)
		}
	}

	spool := ocsync.NewSpool(tgt.OpenClawDir)
	resp := cronSyncResponse{OK: true, TargetID: tgt.ID}

	// jobsHash is accepted as sent; it is not verified against jobs.
	if req.Jobs != nil {
		wrote, err := spool.WriteJobs(req.Jobs)
		if err != nil {
			apierr.WriteError(w, apierr.Wrap(apierr.InternalServerError, "writing jobs", err))
			return
		}
		resp.JobsApplied = wrote
	}
	if req.ConfigRaw != "" {
		wrote, err := spool.WriteConfig([]byte(req.ConfigRaw))
		if err != nil {
			apierr.WriteError(w, apierr.Wrap(apierr.InternalServerError, "writing config", err))
			return
		}
		resp.ConfigApplied = wrote
	}
	for jobID, runs := range req.NewRuns {
		appended, err := spool.AppendRuns(jobID, runs)
		if err != nil {
			apierr.WriteError(w, apierr.Wrap(apierr.InternalServerError, "appending runs", err))
			return
		}
		if appended > 0 {
			resp.RunDeltaJobs++
		}
	}

	if s.engine != nil {
		s.engine.RecordCheckIn(tgt.ID, fleet.CheckIn{
			MachineID:     req.MachineID,
			BridgeVersion: req.BridgeVersion,
			ConfigHash:    req.ConfigHash,
			AuthMode:      fleet.AuthMode(s.auth.Mode),
			HeartbeatAt:   time.Now().UTC(),
		})
	}
	if s.syncMgr != nil {
		s.syncMgr.Wake(tgt.ID)
	}

	apierr.WriteJSON(w, http.StatusOK, resp)
}

type commandPollRequest struct {
	MachineID  string `json:"machineId"`
	LeaseTTLMs int64  `json:"leaseTtlMs,omitempty"`
}

func (s *Surface) handleCommandPoll(w http.ResponseWriter, r *http.Request) {
	var req commandPollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MachineID == "" {
		apierr.WriteError(w, apierr.New(apierr.InvalidBody, "machineId is required"))
		return
	}

	cmd := s.commands.Poll(req.MachineID, time.Duration(req.LeaseTTLMs)*time.Millisecond)
	if cmd == nil {
		apierr.WriteJSON(w, http.StatusOK, map[string]any{"available": false})
		return
	}
	if s.metrics != nil {
		s.metrics.CommandsTotal.WithLabelValues(string(cmd.State)).Inc()
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"available": true, "command": cmd})
}

type commandMachineRequest struct {
	MachineID  string `json:"machineId"`
	LeaseTTLMs int64  `json:"leaseTtlMs,omitempty"`
}

func (s *Surface) handleCommandAck(w http.ResponseWriter, r *http.Request) {
	var req commandMachineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cmd, err := s.commands.Ack(r.PathValue("id"), req.MachineID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, cmd)
}

func (s *Surface) handleCommandHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req commandMachineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cmd, err := s.commands.Heartbeat(r.PathValue("id"), req.MachineID, time.Duration(req.LeaseTTLMs)*time.Millisecond)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, cmd)
}

type commandResultRequest struct {
	MachineID string           `json:"machineId"`
	Result    bridgecmd.Result `json:"result"`
}

func (s *Surface) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	var req commandResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cmd, err := s.commands.ApplyResult(r.PathValue("id"), req.MachineID, req.Result)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.CommandsTotal.WithLabelValues(string(cmd.State)).Inc()
	}
	apierr.WriteJSON(w, http.StatusOK, cmd)
}

func (s *Surface) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var snap bridgecmd.Snapshot
	if !decodeJSON(w, r, &snap) {
		return
	}
	done := s.beginOp("command.enqueue", snap.Intent)
	cmd, err := s.commands.Enqueue(snap)
	done(err)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.CommandsTotal.WithLabelValues(string(cmd.State)).Inc()
	}
	apierr.WriteJSON(w, http.StatusOK, cmd)
}

func (s *Surface) handleListCommands(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.commands.List(r.URL.Query().Get("targetId")))
}

type approveRequest struct {
	ApprovedBy    string `json:"approvedBy"`
	TargetVersion string `json:"targetVersion"`
}

func (s *Surface) handleApproveCommand(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	done := s.beginOp("command.approve", r.PathValue("id"))
	cmd, err := s.commands.Approve(r.PathValue("id"), req.ApprovedBy, req.TargetVersion)
	done(err)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, cmd)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Surface) handleRejectCommand(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	done := s.beginOp("command.reject", r.PathValue("id"))
	cmd, err := s.commands.Reject(r.PathValue("id"), req.Reason)
	done(err)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, cmd)
}
