package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/store"
)

// queueRepo is the shape shared by all four durable task-queue repositories.
// store.NotificationRepository, CleanupRepository, ArtifactDeleteRepository,
// and BulkOperationRepository each satisfy this structurally — no adapter
// type is needed to plug any of them into QueueHandler[T].
type queueRepo[T any] interface {
	Ignore(ctx context.Context, id uuid.UUID, userID uuid.UUID, reason string, at time.Time) error
	Requeue(ctx context.Context, id uuid.UUID, at time.Time) error
	Cancel(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, statusFilter string, opts store.ListOptions) ([]*T, error)
	ListEvents(ctx context.Context, taskID uuid.UUID, opts store.ListOptions) ([]store.TaskEvent, error)
}

// QueueHandler serves the operator-facing surface common to every durable
// queue: list with a status filter, retry-now, ignore/unignore, cancel, and
// the per-row event log. toResponse converts a row into its wire shape;
// each queue supplies its own since the row types differ.
type QueueHandler[T any] struct {
	repo       queueRepo[T]
	toResponse func(*T) any
	logger     *zap.Logger
}

// NewQueueHandler returns a QueueHandler[T] backed by repo.
func NewQueueHandler[T any](repo queueRepo[T], toResponse func(*T) any, logger *zap.Logger) *QueueHandler[T] {
	return &QueueHandler[T]{repo: repo, toResponse: toResponse, logger: logger}
}

// List returns queue rows, optionally filtered to a single status.
func (h *QueueHandler[T]) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.repo.List(r.Context(), r.URL.Query().Get("status"), paginationOpts(r))
	if err != nil {
		h.logger.Error("list queue rows failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, h.toResponse(row))
	}
	Ok(w, out)
}

// RetryNow resets next_attempt_at to now, making the row immediately
// eligible for another claim attempt.
func (h *QueueHandler[T]) RetryNow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Requeue(r.Context(), id, time.Now().UTC()); err != nil {
		h.writeQueueErr(w, err)
		return
	}
	NoContent(w)
}

// Unignore moves a previously ignored row back to queued, same underlying
// operation as RetryNow but exposed under its own route since the two read
// differently from an operator's perspective.
func (h *QueueHandler[T]) Unignore(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Requeue(r.Context(), id, time.Now().UTC()); err != nil {
		h.writeQueueErr(w, err)
		return
	}
	NoContent(w)
}

type ignoreRequest struct {
	Reason string `json:"reason"`
}

// Ignore stops retries on a row and records who ignored it and why.
func (h *QueueHandler[T]) Ignore(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req ignoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrInternal(w)
		return
	}

	if err := h.repo.Ignore(r.Context(), id, userID, req.Reason, time.Now().UTC()); err != nil {
		h.writeQueueErr(w, err)
		return
	}
	NoContent(w)
}

// Cancel drops a not-yet-running row with no operator attribution.
func (h *QueueHandler[T]) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Cancel(r.Context(), id, time.Now().UTC()); err != nil {
		h.writeQueueErr(w, err)
		return
	}
	NoContent(w)
}

type queueEventResponse struct {
	Seq     int64     `json:"seq"`
	Ts      time.Time `json:"ts"`
	Message string    `json:"message"`
}

// Events returns a row's append-only event log.
func (h *QueueHandler[T]) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	events, err := h.repo.ListEvents(r.Context(), id, paginationOpts(r))
	if err != nil {
		h.logger.Error("list queue events failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]queueEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, queueEventResponse{Seq: e.Seq, Ts: e.Ts, Message: e.Message})
	}
	Ok(w, out)
}

func (h *QueueHandler[T]) writeQueueErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	h.logger.Error("queue operation failed", zap.Error(err))
	ErrInternal(w)
}
