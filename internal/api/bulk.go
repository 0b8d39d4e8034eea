package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/store"
)

// BulkOperationHandler serves bulk-operation creation and inspection. The
// per-item operator actions (retry-now/ignore/unignore/cancel) are served
// separately by QueueHandler[store.BulkOperationItem].
type BulkOperationHandler struct {
	repo   store.BulkOperationRepository
	agents store.AgentRepository
	logger *zap.Logger
}

// NewBulkOperationHandler returns a BulkOperationHandler backed by repo.
func NewBulkOperationHandler(repo store.BulkOperationRepository, agents store.AgentRepository, logger *zap.Logger) *BulkOperationHandler {
	return &BulkOperationHandler{repo: repo, agents: agents, logger: logger}
}

type createBulkOperationRequest struct {
	Kind       string                       `json:"kind"`
	NodeIDs    []string                     `json:"node_ids,omitempty"`
	Labels     []string                     `json:"labels,omitempty"`
	LabelsMode string                       `json:"labels_mode,omitempty"`
	Params     domain.BulkOperationParams   `json:"params"`
}

type bulkOperationResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	ItemCount int       `json:"item_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Create resolves the target agent set (explicit node ids, or a label
// selector) and fans the operation out to one item per resolved agent in a
// single transaction.
func (h *BulkOperationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBulkOperationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		ErrBadRequest(w, "kind is required")
		return
	}

	agentIDs, err := h.resolveAgentIDs(r, req)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	if len(agentIDs) == 0 {
		ErrUnprocessable(w, "no agents matched the selection")
		return
	}

	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		ErrBadRequest(w, "invalid params")
		return
	}
	nodeIDsJSON, _ := json.Marshal(req.NodeIDs)
	labelsJSON, _ := json.Marshal(req.Labels)

	claims := claimsFromCtx(r.Context())
	var createdBy *uuid.UUID
	if claims != nil {
		if id, err := uuid.Parse(claims.UserID); err == nil {
			createdBy = &id
		}
	}

	labelsMode := req.LabelsMode
	if labelsMode == "" {
		labelsMode = string(domain.LabelsAnd)
	}

	op := &store.BulkOperation{
		Kind:            req.Kind,
		Status:          "running",
		NodeIDsJSON:     string(nodeIDsJSON),
		LabelsJSON:      string(labelsJSON),
		LabelsMode:      labelsMode,
		ParamsJSON:      string(paramsJSON),
		CreatedByUserID: createdBy,
	}

	items := make([]*store.BulkOperationItem, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		items = append(items, &store.BulkOperationItem{AgentID: agentID})
	}

	if err := h.repo.CreateOperation(r.Context(), op, items); err != nil {
		h.logger.Error("create bulk operation failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, bulkOperationResponse{
		ID: op.ID.String(), Kind: op.Kind, Status: op.Status,
		ItemCount: len(items), CreatedAt: op.CreatedAt,
	})
}

func (h *BulkOperationHandler) resolveAgentIDs(r *http.Request, req createBulkOperationRequest) ([]uuid.UUID, error) {
	if len(req.NodeIDs) > 0 {
		ids := make([]uuid.UUID, 0, len(req.NodeIDs))
		for _, s := range req.NodeIDs {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, errors.New("invalid node id: " + s)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	if len(req.Labels) > 0 {
		mode := req.LabelsMode
		if mode == "" {
			mode = string(domain.LabelsAnd)
		}
		agents, err := h.agents.ListByLabels(r.Context(), req.Labels, mode)
		if err != nil {
			return nil, err
		}
		ids := make([]uuid.UUID, 0, len(agents))
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		return ids, nil
	}

	return nil, errors.New("either node_ids or labels must be provided")
}

// GetByID returns the operation and its per-agent items.
func (h *BulkOperationHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	op, err := h.repo.GetOperation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	items, err := h.repo.ListItems(r.Context(), id)
	if err != nil {
		ErrInternal(w)
		return
	}

	itemResponses := make([]any, 0, len(items))
	for _, it := range items {
		itemResponses = append(itemResponses, bulkOperationItemToResponse(it))
	}

	Ok(w, envelope{
		"id":         op.ID.String(),
		"kind":       op.Kind,
		"status":     op.Status,
		"created_at": op.CreatedAt,
		"items":      itemResponses,
	})
}
