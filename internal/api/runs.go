package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/store"
)

// RunHandler serves run history and its per-run event log.
type RunHandler struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewRunHandler returns a RunHandler backed by repo.
func NewRunHandler(repo store.RunRepository, logger *zap.Logger) *RunHandler {
	return &RunHandler{repo: repo, logger: logger}
}

type runResponse struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func runToResponse(run *store.Run) runResponse {
	return runResponse{
		ID:        run.ID.String(),
		JobID:     run.JobID.String(),
		Status:    run.Status,
		StartedAt: run.StartedAt,
		EndedAt:   run.EndedAt,
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
	}
}

// ListByJob returns a job's run history, most recent first (the repository
// orders by started_at descending).
func (h *RunHandler) ListByJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	runs, err := h.repo.ListByJob(r.Context(), jobID, paginationOpts(r))
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	Ok(w, out)
}

// GetByID returns one run.
func (h *RunHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, runToResponse(run))
}

type runEventResponse struct {
	Seq     int64     `json:"seq"`
	Ts      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Fields  string    `json:"fields,omitempty"`
}

// GetEvents returns a run's event log, optionally resuming after afterSeq so
// a client that lost its live subscription can resync from the durable log.
func (h *RunHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var afterSeq int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			ErrBadRequest(w, "invalid after_seq")
			return
		}
		afterSeq = n
	}

	events, err := h.repo.ListEvents(r.Context(), runID, afterSeq, paginationOpts(r))
	if err != nil {
		h.logger.Error("list run events failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]runEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, runEventResponse{
			Seq:     e.Seq,
			Ts:      e.Ts,
			Level:   e.Level,
			Kind:    e.Kind,
			Message: e.Message,
			Fields:  e.FieldsJSON,
		})
	}
	Ok(w, out)
}
