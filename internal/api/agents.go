package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/agentmanager"
	"github.com/Syt100/bastion-sub003/internal/store"
)

const enrollmentTokenTTL = 1 * time.Hour

// AgentHandler serves enrolled agents: listing, enrollment-token creation,
// labels, and revocation.
type AgentHandler struct {
	repo    store.AgentRepository
	manager *agentmanager.Manager
	logger  *zap.Logger
}

// NewAgentHandler returns an AgentHandler. manager supplies live online
// status, which the store itself has no notion of.
func NewAgentHandler(repo store.AgentRepository, manager *agentmanager.Manager, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{repo: repo, manager: manager, logger: logger}
}

type agentResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Online       bool       `json:"online"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	Labels       []string   `json:"labels"`
	Capabilities any        `json:"capabilities,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (h *AgentHandler) agentToResponse(ctx context.Context, a *store.Agent) (agentResponse, error) {
	labels, err := h.repo.GetLabels(ctx, a.ID)
	if err != nil {
		return agentResponse{}, err
	}

	var caps any
	if a.CapabilitiesJSON != "" {
		_ = json.Unmarshal([]byte(a.CapabilitiesJSON), &caps)
	}

	return agentResponse{
		ID:           a.ID.String(),
		Name:         a.Name,
		Online:       h.manager.IsOnline(a.ID.String()),
		RevokedAt:    a.RevokedAt,
		LastSeenAt:   a.LastSeenAt,
		Labels:       labels,
		Capabilities: caps,
		CreatedAt:    a.CreatedAt,
	}, nil
}

// List returns every enrolled agent, optionally filtered by label.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	labels := r.URL.Query()["label"]

	var agents []*store.Agent
	var err error
	if len(labels) > 0 {
		mode := r.URL.Query().Get("label_mode")
		if mode == "" {
			mode = "and"
		}
		agents, err = h.repo.ListByLabels(r.Context(), labels, mode)
	} else {
		agents, err = h.repo.List(r.Context(), paginationOpts(r))
	}
	if err != nil {
		h.logger.Error("list agents failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		resp, err := h.agentToResponse(r.Context(), a)
		if err != nil {
			ErrInternal(w)
			return
		}
		out = append(out, resp)
	}
	Ok(w, out)
}

type createAgentRequest struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

type agentCreateResponse struct {
	agentResponse
	EnrollmentToken string `json:"enrollment_token"`
}

// Create registers a new agent row and mints a single-use enrollment token.
// The raw token is returned exactly once; only its hash is persisted.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	a := &store.Agent{Name: req.Name}
	if err := h.repo.Create(r.Context(), a); err != nil {
		if errors.Is(err, store.ErrConflict) {
			ErrConflict(w, "an agent with that name already exists")
			return
		}
		h.logger.Error("create agent failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if len(req.Labels) > 0 {
		if err := h.repo.SetLabels(r.Context(), a.ID, req.Labels); err != nil {
			h.logger.Error("set agent labels failed", zap.Error(err))
		}
	}

	rawToken, err := generateToken()
	if err != nil {
		ErrInternal(w)
		return
	}
	one := 1
	if err := h.repo.CreateEnrollmentToken(r.Context(), &store.EnrollmentToken{
		TokenHash:     hashToken(rawToken),
		ExpiresAt:     time.Now().UTC().Add(enrollmentTokenTTL),
		RemainingUses: &one,
	}); err != nil {
		h.logger.Error("create enrollment token failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp, err := h.agentToResponse(r.Context(), a)
	if err != nil {
		ErrInternal(w)
		return
	}
	Created(w, agentCreateResponse{agentResponse: resp, EnrollmentToken: rawToken})
}

// GetByID returns one agent.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	a, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	resp, err := h.agentToResponse(r.Context(), a)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, resp)
}

type updateAgentRequest struct {
	Labels *[]string `json:"labels"`
}

// Update replaces an agent's label set.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	a, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	var req updateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Labels != nil {
		if err := h.repo.SetLabels(r.Context(), a.ID, *req.Labels); err != nil {
			h.logger.Error("set agent labels failed", zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	resp, err := h.agentToResponse(r.Context(), a)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, resp)
}

// Delete revokes the agent: its enrollment key stops being accepted and any
// live connection is dropped from the agent manager at once (pending task
// dispatches fail and the agent counts as offline), but the row and its run
// history are kept. The WebSocket itself is not closed here.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Revoke(r.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	h.manager.Unregister(id.String())
	NoContent(w)
}

type enrollRequest struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

type enrollResponse struct {
	AgentKey string `json:"agent_key"`
}

// Enroll exchanges a single-use enrollment token for a long-lived agent key.
// Unauthenticated: the token itself is the credential. Called once by a
// freshly installed agent before its first WebSocket connection.
func (h *AgentHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.Token == "" {
		ErrBadRequest(w, "agent_id and token are required")
		return
	}
	agentID, ok := parseUUIDString(w, req.AgentID)
	if !ok {
		return
	}

	if _, err := h.repo.ConsumeEnrollmentToken(r.Context(), hashToken(req.Token), time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("consume enrollment token failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	a, err := h.repo.GetByID(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	rawKey, err := generateToken()
	if err != nil {
		ErrInternal(w)
		return
	}
	a.KeyHash = hashToken(rawKey)
	if err := h.repo.Update(r.Context(), a); err != nil {
		h.logger.Error("persist agent key failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, enrollResponse{AgentKey: rawKey})
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
