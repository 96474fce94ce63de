package endpoints

import (
	"net/http"

	"github.com/taskauction/exchange/internal/exchange"
)

// StatusHandler handles GET /status, mirroring the teacher's
// StatusHandler shape.
type StatusHandler struct {
	ex *exchange.Exchange
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(ex *exchange.Exchange) *StatusHandler {
	return &StatusHandler{ex: ex}
}

// ServeHTTP reports liveness plus a queue-depth summary.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  h.ex.GetQueueStats(),
	})
}

// agentView is the admin-facing projection of a registry.Record; it omits
// the live socket, which isn't meaningful JSON.
type agentView struct {
	AgentID       string `json:"agentId"`
	Version       string `json:"version"`
	Healthy       bool   `json:"healthy"`
	ActiveTasks   int    `json:"activeTasks"`
	ConnectedAt   string `json:"connectedAt"`
	LastHeartbeat string `json:"lastHeartbeat"`
}

// AgentsHandler handles GET /agents (SPEC_FULL.md supplement: admin
// introspection of connected workers).
type AgentsHandler struct {
	ex *exchange.Exchange
}

// NewAgentsHandler creates a new agents handler.
func NewAgentsHandler(ex *exchange.Exchange) *AgentsHandler {
	return &AgentsHandler{ex: ex}
}

// ServeHTTP lists every currently connected agent.
func (h *AgentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records := h.ex.Registry().All()
	out := make([]agentView, 0, len(records))
	for _, rec := range records {
		out = append(out, agentView{
			AgentID:       rec.AgentID,
			Version:       rec.Version,
			Healthy:       rec.Healthy,
			ActiveTasks:   rec.ActiveTasks,
			ConnectedAt:   rec.ConnectedAt.Format(timeFormat),
			LastHeartbeat: rec.LastHeartbeat.Format(timeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// ReputationHandler handles GET /reputation/{agentId}. Manual flag
// clearing (POST /reputation/{agentId}/clear-flag) is served by
// ClearFlagHandler.
type ReputationHandler struct {
	ex *exchange.Exchange
}

// NewReputationHandler creates a new reputation handler.
func NewReputationHandler(ex *exchange.Exchange) *ReputationHandler {
	return &ReputationHandler{ex: ex}
}

// ServeHTTP reports an agent's reputation snapshot for the version given
// by the `version` query parameter (defaulting to "" — the unversioned
// bucket — when omitted).
func (h *ReputationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agentID := r.PathValue("agentId")
	if agentID == "" {
		writeError(w, "missing agent id", http.StatusBadRequest)
		return
	}
	version := r.URL.Query().Get("version")

	record := h.ex.Reputation().Snapshot(r.Context(), agentID, version)
	writeJSON(w, http.StatusOK, record)
}

// ClearFlagHandler handles POST /reputation/{agentId}/clear-flag.
type ClearFlagHandler struct {
	ex *exchange.Exchange
}

// NewClearFlagHandler creates a new clear-flag handler.
func NewClearFlagHandler(ex *exchange.Exchange) *ClearFlagHandler {
	return &ClearFlagHandler{ex: ex}
}

// ServeHTTP manually clears an agent's sticky flag, restoring its
// repFactor to the accuracy-derived value.
func (h *ClearFlagHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agentID := r.PathValue("agentId")
	if agentID == "" {
		writeError(w, "missing agent id", http.StatusBadRequest)
		return
	}
	version := r.URL.Query().Get("version")

	record, err := h.ex.Reputation().ClearFlag(r.Context(), agentID, version)
	if err != nil {
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
