package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/store"
)

// secretPutGetDeleter is the subset of vault.Service the secrets handler
// needs.
type secretPutGetDeleter interface {
	Put(ctx context.Context, kind, nodeID, name string, plaintext []byte) error
	Delete(ctx context.Context, kind, nodeID, name string) error
	List(ctx context.Context, nodeID string) ([]*store.Secret, error)
}

// SecretHandler manages vault-encrypted secrets: WebDAV target credentials,
// age encryption keys, and notification channel config. Plaintext is
// write-only through this API — there is no GET that returns a decrypted
// value, only List, which reports kind/node/name metadata.
type SecretHandler struct {
	vault  secretPutGetDeleter
	logger *zap.Logger
}

// NewSecretHandler returns a SecretHandler backed by vault.
func NewSecretHandler(vault secretPutGetDeleter, logger *zap.Logger) *SecretHandler {
	return &SecretHandler{vault: vault, logger: logger}
}

type secretResponse struct {
	Kind   string `json:"kind"`
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
}

// List returns metadata for every secret scoped to nodeID ("hub" or an
// agent id), never the decrypted value.
func (h *SecretHandler) List(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		nodeID = "hub"
	}

	secrets, err := h.vault.List(r.Context(), nodeID)
	if err != nil {
		h.logger.Error("list secrets failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]secretResponse, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, secretResponse{Kind: s.Kind, NodeID: s.NodeID, Name: s.Name})
	}
	Ok(w, out)
}

type putSecretRequest struct {
	Kind      string `json:"kind"`
	NodeID    string `json:"node_id"`
	Name      string `json:"name"`
	Plaintext string `json:"plaintext"`
}

// Put creates or overwrites a secret.
func (h *SecretHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req putSecretRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" || req.NodeID == "" || req.Name == "" || req.Plaintext == "" {
		ErrBadRequest(w, "kind, node_id, name, and plaintext are all required")
		return
	}

	if err := h.vault.Put(r.Context(), req.Kind, req.NodeID, req.Name, []byte(req.Plaintext)); err != nil {
		h.logger.Error("put secret failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

type deleteSecretRequest struct {
	Kind   string `json:"kind"`
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
}

// Delete removes a secret. Kind/NodeID/Name are read from the query string
// since DELETE requests carry no conventional body.
func (h *SecretHandler) Delete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, nodeID, name := q.Get("kind"), q.Get("node_id"), q.Get("name")
	if kind == "" || nodeID == "" || name == "" {
		ErrBadRequest(w, "kind, node_id, and name query params are all required")
		return
	}

	if err := h.vault.Delete(r.Context(), kind, nodeID, name); err != nil {
		h.logger.Error("delete secret failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
