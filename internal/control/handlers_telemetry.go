package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/patzehq/patze-control/internal/apierr"
	"github.com/patzehq/patze-control/internal/attach"
	"github.com/patzehq/patze-control/internal/bridgesetup"
	"github.com/patzehq/patze-control/internal/logging"
	"github.com/patzehq/patze-control/internal/telemetry"
)

// maxBodyBytes bounds request bodies accepted by the API.
const maxBodyBytes = 1 << 20

// decodeJSON reads a bounded JSON body into v, writing the appropriate
// error envelope on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if !apierr.RequireJSON(w, r) {
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierr.WriteError(w, apierr.New(apierr.PayloadTooLarge, "request body too large"))
			return false
		}
		apierr.WriteError(w, apierr.New(apierr.InvalidBody, "invalid JSON body"))
		return false
	}
	return true
}

// ingestRequest carries one event or a batch.
type ingestRequest struct {
	Event  *telemetry.Event  `json:"event,omitempty"`
	Events []telemetry.Event `json:"events,omitempty"`
}

type ingestResponse struct {
	OK      bool     `json:"ok"`
	Errors  []string `json:"errors,omitempty"`
	Applied int      `json:"applied"`
}

func (s *Surface) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	events := req.Events
	if req.Event != nil {
		events = append(events, *req.Event)
	}
	if len(events) == 0 {
		apierr.WriteError(w, apierr.New(apierr.InvalidBody, "event or events is required"))
		return
	}

	resp := ingestResponse{OK: true}
	for _, e := range events {
		if e.MachineID == "" {
			resp.OK = false
			resp.Errors = append(resp.Errors, "missing machineId")
			continue
		}
		result := s.nodeFor(e.MachineID).Ingest(e)
		if !result.OK {
			resp.OK = false
			resp.Errors = append(resp.Errors, result.Err.Message)
			if s.metrics != nil {
				s.metrics.EventsRejectedTotal.WithLabelValues("invalid").Inc()
			}
			continue
		}
		resp.Applied++
		if s.metrics != nil {
			s.metrics.EventsIngestedTotal.WithLabelValues(e.Type).Inc()
		}
	}
	apierr.WriteJSON(w, http.StatusOK, resp)
}

func (s *Surface) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"snapshot":            s.agg.Snapshot(),
		"sessionsByMachineId": s.agg.SessionsByMachineID(),
		"runsBySessionId":     s.agg.RunsBySessionID(),
		"activeRunsByMachine": s.agg.ActiveRunsByMachineID(),
	})
}

func (s *Surface) handleUnifiedLog(w http.ResponseWriter, r *http.Request) {
	log := s.agg.UnifiedLog()
	limit := len(log)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			log = log[len(log)-n:]
		}
	}
	apierr.WriteJSON(w, http.StatusOK, log)
}

// tunnelView is the wire shape of a tunnel.
type tunnelView struct {
	ID           string    `json:"id"`
	LocalBaseURL string    `json:"localBaseUrl"`
	RemoteHost   string    `json:"remoteHost"`
	RemotePort   int       `json:"remotePort"`
	SSHHost      string    `json:"sshHost"`
	SSHUser      string    `json:"sshUser"`
	State        string    `json:"state"`
	OpenedAt     time.Time `json:"openedAt"`
}

func (s *Surface) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels := s.tunnels.ListTunnels()
	out := make([]tunnelView, 0, len(tunnels))
	for _, t := range tunnels {
		out = append(out, tunnelView{
			ID:           t.ID,
			LocalBaseURL: t.LocalBaseURL,
			RemoteHost:   t.RemoteHost,
			RemotePort:   t.RemotePort,
			SSHHost:      t.SSHHost,
			SSHUser:      t.SSHUser,
			State:        string(t.State()),
			OpenedAt:     t.OpenedAt,
		})
	}
	apierr.WriteJSON(w, http.StatusOK, out)
}

func (s *Surface) handleCloseTunnel(w http.ResponseWriter, r *http.Request) {
	done := s.beginOp("tunnel.close", r.PathValue("id"))
	err := s.tunnels.Close(r.PathValue("id"))
	done(err)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.TargetNotFound, "tunnel not found"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Surface) handleAttach(w http.ResponseWriter, r *http.Request) {
	var cfg attach.EndpointConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	done := s.beginOp("endpoint.attach", cfg.ID)
	info, err := s.attachments.AttachEndpoint(cfg)
	done(err)
	if err != nil {
		if s.metrics != nil {
			s.metrics.AttachmentsTotal.WithLabelValues("failed").Inc()
		}
		apierr.WriteError(w, apierr.Wrap(apierr.PreflightFailed, "attach failed", err))
		return
	}
	if s.metrics != nil {
		s.metrics.AttachmentsTotal.WithLabelValues("attached").Inc()
	}
	apierr.WriteJSON(w, http.StatusOK, info)
}

func (s *Surface) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.attachments.ListAttachments())
}

func (s *Surface) handleDetach(w http.ResponseWriter, r *http.Request) {
	closeTunnel := r.URL.Query().Get("closeTunnel") != "false"
	done := s.beginOp("endpoint.detach", r.PathValue("id"))
	s.attachments.DetachEndpoint(r.PathValue("id"), closeTunnel)
	done(nil)
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "detached"})
}

func (s *Surface) handleEndpointConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.attachments.GetEndpointConfig(r.PathValue("id"))
	if !ok {
		apierr.WriteError(w, apierr.New(apierr.TargetNotFound, "endpoint not attached"))
		return
	}
	// The token never leaves the process.
	cfg.Token = ""
	apierr.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Surface) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var in bridgesetup.PreflightInput
	if !decodeJSON(w, r, &in) {
		return
	}
	done := s.beginOp("bridge.preflight", in.Host)
	diag, err := s.bridges.Preflight(r.Context(), in)
	done(err)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "diagnosis": diag})
}

func (s *Surface) handleBridgeSetup(w http.ResponseWriter, r *http.Request) {
	var in bridgesetup.SetupInput
	if !decodeJSON(w, r, &in) {
		return
	}
	done := s.beginOp("bridge.setup", in.ID)
	status, err := s.bridges.Setup(r.Context(), in)
	done(err)
	if s.metrics != nil {
		s.metrics.BridgeSetupTotal.WithLabelValues(string(status.State)).Inc()
	}
	if err != nil {
		apierr.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": apierr.InstallFailed, "status": status,
		})
		return
	}
	apierr.WriteJSON(w, http.StatusOK, status)
}

type sudoPasswordRequest struct {
	Password string `json:"password"`
}

func (s *Surface) handleSudoPassword(w http.ResponseWriter, r *http.Request) {
	var req sudoPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	done := s.beginOp("bridge.retry_sudo", id)
	status, err := s.bridges.RetryInstallWithSudoPassword(r.Context(), id, req.Password)
	done(err)
	if err != nil {
		apierr.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": apierr.InstallFailed, "status": status,
		})
		return
	}
	apierr.WriteJSON(w, http.StatusOK, status)
}

func (s *Surface) handleUserMode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	done := s.beginOp("bridge.retry_user_mode", id)
	status, err := s.bridges.RetryInstallUserMode(r.Context(), id)
	done(err)
	if err != nil {
		apierr.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": apierr.InstallFailed, "status": status,
		})
		return
	}
	apierr.WriteJSON(w, http.StatusOK, status)
}

func (s *Surface) handleListBridges(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.bridges.ListStatuses())
}

func (s *Surface) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logTail == nil {
		apierr.WriteJSON(w, http.StatusOK, []any{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	minLevel := slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		minLevel = logging.ParseLevel(v)
	}
	apierr.WriteJSON(w, http.StatusOK, s.logTail.Tail(limit, minLevel))
}

func (s *Surface) handleOperations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	apierr.WriteJSON(w, http.StatusOK, s.journal.Recent(limit))
}
