package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/scheduler"
	"github.com/Syt100/bastion-sub003/internal/store"
)

// JobHandler serves job definitions: CRUD, archive, and manual trigger.
type JobHandler struct {
	repo   store.JobRepository
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewJobHandler returns a JobHandler backed by repo and sched. sched is used
// only to register/unregister the job's schedule and to fire a manual run;
// persistence always goes through repo.
func NewJobHandler(repo store.JobRepository, sched *scheduler.Scheduler, logger *zap.Logger) *JobHandler {
	return &JobHandler{repo: repo, sched: sched, logger: logger}
}

type jobResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Spec          domain.JobSpec  `json:"spec"`
	Schedule      string          `json:"schedule,omitempty"`
	Timezone      string          `json:"schedule_timezone,omitempty"`
	OverlapPolicy string          `json:"overlap_policy"`
	AgentID       *string         `json:"agent_id,omitempty"`
	ArchivedAt    *time.Time      `json:"archived_at,omitempty"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func jobToResponse(j *store.Job) (jobResponse, error) {
	var spec domain.JobSpec
	if j.SpecJSON != "" {
		if err := json.Unmarshal([]byte(j.SpecJSON), &spec); err != nil {
			return jobResponse{}, err
		}
	}
	var agentID *string
	if j.AgentID != nil {
		s := j.AgentID.String()
		agentID = &s
	}
	return jobResponse{
		ID:            j.ID.String(),
		Name:          j.Name,
		Spec:          spec,
		Schedule:      j.Schedule,
		Timezone:      j.ScheduleTimezone,
		OverlapPolicy: j.OverlapPolicy,
		AgentID:       agentID,
		ArchivedAt:    j.ArchivedAt,
		LastRunAt:     j.LastRunAt,
		NextRunAt:     j.NextRunAt,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}, nil
}

type createJobRequest struct {
	Name             string         `json:"name"`
	Spec             domain.JobSpec `json:"spec"`
	Schedule         string         `json:"schedule"`
	ScheduleTimezone string         `json:"schedule_timezone"`
	OverlapPolicy    string         `json:"overlap_policy"`
	AgentID          *string        `json:"agent_id"`
}

// Create persists a new job and, if it carries a schedule, registers it with
// the scheduler immediately.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	specJSON, err := json.Marshal(req.Spec)
	if err != nil {
		ErrBadRequest(w, "invalid spec")
		return
	}

	overlap := req.OverlapPolicy
	if overlap == "" {
		overlap = string(domain.OverlapReject)
	}

	j := &store.Job{
		Name:             req.Name,
		SpecJSON:         string(specJSON),
		Schedule:         req.Schedule,
		ScheduleTimezone: req.ScheduleTimezone,
		OverlapPolicy:    overlap,
	}
	if req.AgentID != nil {
		id, err := uuid.Parse(*req.AgentID)
		if err != nil {
			ErrBadRequest(w, "invalid agent_id")
			return
		}
		j.AgentID = &id
	}

	if err := h.repo.Create(r.Context(), j); err != nil {
		if errors.Is(err, store.ErrConflict) {
			ErrConflict(w, "a job with that name already exists")
			return
		}
		h.logger.Error("create job failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if j.Schedule != "" {
		if err := h.sched.AddJob(j); err != nil {
			h.logger.Error("registering job schedule failed", zap.Error(err), zap.String("job_id", j.ID.String()))
		}
	}

	resp, err := jobToResponse(j)
	if err != nil {
		ErrInternal(w)
		return
	}
	Created(w, resp)
}

// List returns every non-archived job by default.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp, err := jobToResponse(j)
		if err != nil {
			ErrInternal(w)
			return
		}
		out = append(out, resp)
	}
	Ok(w, out)
}

// GetByID returns one job by id.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	j, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get job failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp, err := jobToResponse(j)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, resp)
}

type updateJobRequest struct {
	Spec             *domain.JobSpec `json:"spec"`
	Schedule         *string         `json:"schedule"`
	ScheduleTimezone *string         `json:"schedule_timezone"`
	OverlapPolicy    *string         `json:"overlap_policy"`
}

// Update applies a partial update and re-registers the job's schedule if it
// changed.
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	j, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	var req updateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	scheduleChanged := false
	if req.Spec != nil {
		specJSON, err := json.Marshal(*req.Spec)
		if err != nil {
			ErrBadRequest(w, "invalid spec")
			return
		}
		j.SpecJSON = string(specJSON)
	}
	if req.Schedule != nil && *req.Schedule != j.Schedule {
		j.Schedule = *req.Schedule
		scheduleChanged = true
	}
	if req.ScheduleTimezone != nil {
		j.ScheduleTimezone = *req.ScheduleTimezone
		scheduleChanged = true
	}
	if req.OverlapPolicy != nil {
		j.OverlapPolicy = *req.OverlapPolicy
	}

	if err := h.repo.Update(r.Context(), j); err != nil {
		h.logger.Error("update job failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if scheduleChanged {
		h.sched.RemoveJob(j.ID)
		if j.Schedule != "" {
			if err := h.sched.AddJob(j); err != nil {
				h.logger.Error("re-registering job schedule failed", zap.Error(err), zap.String("job_id", j.ID.String()))
			}
		}
	}

	resp, err := jobToResponse(j)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, resp)
}

// Archive soft-deletes the job and unregisters its schedule. Existing runs
// and artifacts are left untouched.
func (h *JobHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Archive(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	h.sched.RemoveJob(id)
	NoContent(w)
}

// Trigger fires an immediate run of the job outside its schedule.
func (h *JobHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.sched.TriggerNow(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("trigger job failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"triggered": true})
}

// parseUUID extracts and parses a chi URL param as a UUID, writing a 400
// response and returning ok=false on failure.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		ErrBadRequest(w, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

// parseUUIDString parses s as a UUID, writing a 400 response and returning
// ok=false on failure. Unlike parseUUID, s comes from a request body field
// rather than a URL param.
func parseUUIDString(w http.ResponseWriter, s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		ErrBadRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// paginationOpts reads limit/offset query params with sane defaults and an
// upper bound on page size.
func paginationOpts(r *http.Request) store.ListOptions {
	const defaultLimit = 20
	const maxLimit = 100

	opts := store.ListOptions{Limit: defaultLimit}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			opts.Limit = n
		}
	}
	if opts.Limit <= 0 || opts.Limit > maxLimit {
		opts.Limit = maxLimit
	}
	if v := q.Get("offset"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			opts.Offset = n
		}
	}
	return opts
}

func parsePositiveInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
