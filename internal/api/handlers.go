package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flowpbx/callgate/internal/bridge"
	"github.com/flowpbx/callgate/internal/signaling"
	"github.com/flowpbx/callgate/internal/sip"
	"github.com/go-chi/chi/v5"
)

type healthResponse struct {
	Status    string          `json:"status"`
	Uptime    string          `json:"uptime"`
	UptimeSec int64           `json:"uptime_sec"`
	Platform  *platformHealth `json:"platform,omitempty"`
	Trunk     *trunkHealth    `json:"trunk,omitempty"`
	Bridges   *bridge.Totals  `json:"bridges,omitempty"`
	StartedAt string          `json:"started_at"`
}

type platformHealth struct {
	Connected bool `json:"connected"`
}

type trunkHealth struct {
	sip.TrunkState
	ActiveCalls int `json:"active_calls"`
}

// handleHealth reports "ok", "degraded" when the trunk registration failed,
// or "unavailable" with 503 when the platform link is down.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	up := time.Since(s.deps.StartedAt)
	resp := healthResponse{
		Status:    "ok",
		Uptime:    formatUptime(up),
		UptimeSec: int64(up.Seconds()),
		StartedAt: s.deps.StartedAt.UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if s.deps.Platform != nil {
		connected := s.deps.Platform.Connected()
		resp.Platform = &platformHealth{Connected: connected}
		if !connected {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Trunk != nil {
		ts := s.deps.Trunk.TrunkState()
		resp.Trunk = &trunkHealth{TrunkState: ts, ActiveCalls: s.deps.Trunk.ActiveCallCount()}
		if ts.Status == sip.TrunkStatusFailed && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}
	if s.deps.Bridges != nil {
		totals := s.deps.Bridges.Totals()
		resp.Bridges = &totals
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) handleListBridges(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Bridges == nil {
		s.writeJSON(w, http.StatusOK, []bridge.Info{})
		return
	}
	list := s.deps.Bridges.Snapshot()
	if list == nil {
		list = []bridge.Info{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if s.deps.Bridges != nil {
		for _, info := range s.deps.Bridges.Snapshot() {
			if info.CallID == callID {
				s.writeJSON(w, http.StatusOK, info)
				return
			}
		}
	}
	s.writeError(w, http.StatusNotFound, "bridge not found")
}

// handleHangupBridge ends both legs of a bridge.
func (s *Server) handleHangupBridge(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if s.deps.Bridges == nil {
		s.writeError(w, http.StatusNotFound, "bridge not found")
		return
	}
	err := s.deps.Bridges.Hangup(callID)
	switch {
	case errors.Is(err, bridge.ErrBridgeNotFound):
		s.writeError(w, http.StatusNotFound, "bridge not found")
	case err != nil:
		s.logger.Error("hangup failed", "call_id", callID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "hangup failed")
	default:
		s.logger.Info("bridge hung up via api", "call_id", callID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sessions == nil {
		s.writeJSON(w, http.StatusOK, []signaling.SessionInfo{})
		return
	}
	list := s.deps.Sessions.Sessions()
	if list == nil {
		list = []signaling.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

// formatUptime renders d like "2d 5h 30m 12s", dropping leading zero units.
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
