package control

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/patzehq/patze-control/internal/apierr"
	"github.com/patzehq/patze-control/internal/configqueue"
	"github.com/patzehq/patze-control/internal/cron"
	"github.com/patzehq/patze-control/internal/fleet"
	ocsync "github.com/patzehq/patze-control/internal/openclaw/sync"
	"github.com/patzehq/patze-control/internal/openclaw/target"
)

func (s *Surface) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var t target.Target
	if !decodeJSON(w, r, &t) {
		return
	}
	done := s.beginOp("target.create", t.Label)
	created, err := s.targets.Create(t)
	done(err)
	if err != nil {
		apierr.WriteError(w, apierr.Wrap(apierr.InvalidBody, "invalid target", err))
		return
	}
	if s.syncMgr != nil && created.Enabled {
		s.syncMgr.StartTarget(created)
	}
	apierr.WriteJSON(w, http.StatusOK, created)
}

func (s *Surface) handleListTargets(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.targets.List())
}

func (s *Surface) handleRemoveTarget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	done := s.beginOp("target.remove", id)
	if s.syncMgr != nil {
		s.syncMgr.StopTarget(id)
	}
	err := s.targets.Remove(id)
	done(err)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.TargetNotFound, "target not found"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Surface) handleTargetStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.syncMgr.GetStatus(r.PathValue("id"))
	if !ok {
		apierr.WriteError(w, apierr.New(apierr.TargetNotFound, "target is not being synced"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, st)
}

func (s *Surface) handleAllStatuses(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.syncMgr.GetAllStatuses())
}

func (s *Surface) handleTargetJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.syncMgr.GetJobs(r.PathValue("id"))
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.TargetNotFound, "target is not being synced"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, jobs)
}

func (s *Surface) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	history, err := s.syncMgr.GetRunHistory(r.PathValue("id"), r.PathValue("jobId"), limit)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.TargetNotFound, "target is not being synced"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, history)
}

func (s *Surface) handleMergedView(w http.ResponseWriter, r *http.Request) {
	userTasks := make([]ocsync.UserTask, 0)
	for _, t := range s.cron.ListTasks() {
		schedule := t.Schedule.Cron
		if schedule == "" && t.Schedule.EveryMs > 0 {
			schedule = "every " + time.Duration(t.Schedule.EveryMs*int64(time.Millisecond)).String()
		}
		userTasks = append(userTasks, ocsync.UserTask{
			ID: t.ID, Name: t.Name, Schedule: schedule, Enabled: t.Enabled,
		})
	}
	view, err := s.syncMgr.CreateMergedView(r.PathValue("id"), userTasks)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.TargetNotFound, "target is not being synced"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, view)
}

func (s *Surface) handleRestartSync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.targets.Get(id)
	if !ok {
		apierr.WriteError(w, apierr.New(apierr.TargetNotFound, "target not found"))
		return
	}
	done := s.beginOp("sync.restart", id)
	err := s.syncMgr.RestartTarget(t)
	done(err)
	if err != nil {
		apierr.WriteError(w, apierr.Wrap(apierr.InternalServerError, "restarting sync", err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Surface) handleConfigEnqueue(w http.ResponseWriter, r *http.Request) {
	var cmd configqueue.PendingCommand
	if !decodeJSON(w, r, &cmd) {
		return
	}
	if err := s.configQ.Enqueue(r.PathValue("targetId"), cmd); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Surface) handleConfigPending(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.configQ.ListPending(r.PathValue("targetId")))
}

func (s *Surface) handleConfigPreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.configQ.Preview(r.Context(), r.PathValue("targetId"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, preview)
}

type configApplyRequest struct {
	Source string `json:"source"`
}

func (s *Surface) handleConfigApply(w http.ResponseWriter, r *http.Request) {
	var req configApplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	targetID := r.PathValue("targetId")
	done := s.beginOp("config.apply", targetID)
	result, err := s.configQ.Apply(r.Context(), targetID, req.Source)
	if err != nil {
		done(err)
		apierr.WriteError(w, err)
		return
	}
	if !result.OK {
		done(errors.New(result.Error))
	} else {
		done(nil)
	}
	if s.metrics != nil {
		outcome := "ok"
		if !result.OK {
			outcome = "rolled_back"
		}
		s.metrics.ConfigApplyTotal.WithLabelValues(outcome).Inc()
	}
	apierr.WriteJSON(w, http.StatusOK, result)
}

func (s *Surface) handleConfigSnapshots(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.configQ.ListSnapshots(r.PathValue("targetId")))
}

type rollbackRequest struct {
	SnapshotID string `json:"snapshotId"`
}

func (s *Surface) handleConfigRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	targetID := r.PathValue("targetId")
	done := s.beginOp("config.rollback", targetID)
	result, err := s.configQ.RollbackToSnapshot(targetID, req.SnapshotID)
	done(err)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, result)
}

func (s *Surface) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.SmartFleet.Enabled {
		apierr.WriteError(w, apierr.New(apierr.SmartFleetDisabled, "smart fleet is disabled"))
		return
	}
	statuses := s.engine.EvaluateAll(time.Now().UTC())
	if s.metrics != nil {
		for _, st := range statuses {
			s.metrics.HealthScore.WithLabelValues(st.TargetID).Set(float64(st.HealthScore))
		}
	}
	apierr.WriteJSON(w, http.StatusOK, statuses)
}

func (s *Surface) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.profiles.List())
}

func (s *Surface) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var p fleet.PolicyProfile
	if !decodeJSON(w, r, &p) {
		return
	}
	done := s.beginOp("profile.create", p.Name)
	created, err := s.profiles.Create(p)
	done(err)
	if err != nil {
		apierr.WriteError(w, apierr.Wrap(apierr.InvalidBody, "invalid profile", err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, created)
}

// handleFleetApply is the batched policy apply with the critical-change
// approval gate.
func (s *Surface) handleFleetApply(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.SmartFleet.Enabled {
		apierr.WriteError(w, apierr.New(apierr.SmartFleetDisabled, "smart fleet is disabled"))
		return
	}
	var req fleet.BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	done := s.beginOp("fleet.apply", "")
	summary, approval, err := s.engine.ApplyBatch(s.approver, req, time.Now().UTC())
	if err != nil {
		done(err)
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) && apiErr.Code == apierr.ApprovalRequired && approval != nil {
			apierr.WriteJSON(w, http.StatusConflict, map[string]any{
				"error":    apierr.ApprovalRequired,
				"approval": approval,
			})
			return
		}
		apierr.WriteError(w, err)
		return
	}
	done(nil)
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (s *Surface) handleGetAlertConfig(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"destinations": s.alerts.Destinations(),
		"rules":        s.alerts.Rules(),
	})
}

type alertConfigRequest struct {
	Destinations []fleet.Destination `json:"destinations"`
	Rules        []fleet.Rule        `json:"rules"`
}

func (s *Surface) handlePutAlertConfig(w http.ResponseWriter, r *http.Request) {
	var req alertConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	done := s.beginOp("alerts.configure", "")
	if err := s.alerts.SetDestinations(req.Destinations); err != nil {
		done(err)
		apierr.WriteError(w, apierr.Wrap(apierr.InvalidBody, "invalid destinations", err))
		return
	}
	if err := s.alerts.SetRules(req.Rules); err != nil {
		done(err)
		apierr.WriteError(w, apierr.Wrap(apierr.InternalServerError, "persisting rules", err))
		return
	}
	done(nil)
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Surface) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t cron.Task
	if !decodeJSON(w, r, &t) {
		return
	}
	done := s.beginOp("task.create", t.Name)
	created, err := s.cron.CreateTask(t)
	done(err)
	if err != nil {
		apierr.WriteError(w, apierr.Wrap(apierr.InvalidBody, "invalid task", err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, created)
}

func (s *Surface) handleListTasks(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.cron.ListTasks())
}

func (s *Surface) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	done := s.beginOp("task.remove", r.PathValue("id"))
	err := s.cron.RemoveTask(r.PathValue("id"))
	done(err)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.TargetNotFound, "task not found"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Surface) handleRunTask(w http.ResponseWriter, r *http.Request) {
	done := s.beginOp("task.run", r.PathValue("id"))
	rec, err := s.cron.RunNow(r.PathValue("id"))
	done(err)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.TargetNotFound, "task not found"))
		return
	}
	if s.metrics != nil {
		outcome := "ok"
		if !rec.OK {
			outcome = "failed"
		}
		s.metrics.TaskRunsTotal.WithLabelValues("manual", outcome).Inc()
	}
	apierr.WriteJSON(w, http.StatusOK, rec)
}

func (s *Surface) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.cron.History(r.PathValue("id")))
}
