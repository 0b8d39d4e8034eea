package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/agentmanager"
	"github.com/Syt100/bastion-sub003/internal/store"
	"github.com/Syt100/bastion-sub003/internal/wsserver"
)

// AgentConnectHandler upgrades an authenticated agent's HTTP request to the
// persistent Hub<->Agent WebSocket connection. Authentication here is the
// agent's own key, never the admin session used by every other route, so it
// is mounted outside the Authenticate(cfg.Auth) group.
type AgentConnectHandler struct {
	agents  store.AgentRepository
	manager *agentmanager.Manager
	handler wsserver.Handler
	logger  *zap.Logger
}

// NewAgentConnectHandler returns an AgentConnectHandler.
func NewAgentConnectHandler(agents store.AgentRepository, manager *agentmanager.Manager, handler wsserver.Handler, logger *zap.Logger) *AgentConnectHandler {
	return &AgentConnectHandler{agents: agents, manager: manager, handler: handler, logger: logger}
}

// Connect validates the "Bearer <agent key>" Authorization header against
// the named agent's stored key hash, then upgrades to WebSocket and serves
// the connection until it closes.
func (h *AgentConnectHandler) Connect(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		ErrUnauthorized(w)
		return
	}
	key := strings.TrimPrefix(authz, prefix)

	a, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	if a.RevokedAt != nil || a.KeyHash == "" || hashToken(key) != a.KeyHash {
		ErrUnauthorized(w)
		return
	}

	conn, err := wsserver.Upgrade(w, r, id.String(), h.manager, h.handler, h.logger)
	if err != nil {
		h.logger.Warn("agent websocket upgrade failed", zap.String("agent_id", id.String()), zap.Error(err))
		return
	}
	conn.Serve(r.Context())
}
