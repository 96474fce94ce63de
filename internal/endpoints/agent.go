package endpoints

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/taskauction/exchange/internal/exchange"
	"github.com/taskauction/exchange/internal/xlog"
)

// upgrader configures the websocket handshake for worker agent
// connections. Origin checking is left to the CORS middleware layered in
// front of this handler rather than duplicated here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AgentHandler handles GET /v1/agents/connect, upgrading to a websocket
// and registering the connection with the exchange (§6 worker wire
// protocol transport).
type AgentHandler struct {
	ex *exchange.Exchange
}

// NewAgentHandler creates a new agent connection handler.
func NewAgentHandler(ex *exchange.Exchange) *AgentHandler {
	return &AgentHandler{ex: ex}
}

// ServeHTTP upgrades the connection and registers the agent. agentId is a
// required query parameter; version is optional and an empty value
// registers the agent unversioned. The exchange package never
// imports gorilla/websocket itself, so the upgrade happens here and the
// resulting transport.AgentSocket is handed off via RegisterAgent. An
// optional `categories` query parameter takes a comma-separated list of
// category ids to subscribe at connect time, sparing the agent a round
// trip of category_subscribe messages for capabilities it already knows
// about (§4.3).
func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	version := r.URL.Query().Get("version")
	if agentID == "" {
		writeError(w, "missing agentId query parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		xlog.Agent(agentID).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sock := h.ex.Hub().Accept(agentID, conn)
	h.ex.RegisterAgent(agentID, version, sock)

	if raw := r.URL.Query().Get("categories"); raw != "" {
		for _, categoryID := range strings.Split(raw, ",") {
			categoryID = strings.TrimSpace(categoryID)
			if categoryID != "" {
				h.ex.Categories().Subscribe(agentID, categoryID)
			}
		}
	}
}
