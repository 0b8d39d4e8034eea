package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/Syt100/bastion-sub003/internal/auth"
)

// pinger is satisfied by *store.Store. A narrow interface here keeps
// HealthHandler decoupled from the concrete store package.
type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the always-reachable health/readiness/system/setup
// endpoints. These are mounted outside /api/v1 and never pass through the
// Authenticate middleware — a fresh install has no admin credential yet and
// a monitoring probe should never need one.
type HealthHandler struct {
	store     pinger
	auth      *auth.Service
	version   string
	startedAt time.Time
}

// NewHealthHandler returns a HealthHandler. version is reported as-is in
// GET /api/system; callers typically pass a build-time ldflags value.
func NewHealthHandler(store pinger, authSvc *auth.Service, version string) *HealthHandler {
	return &HealthHandler{store: store, auth: authSvc, version: version, startedAt: time.Now()}
}

// Health reports process liveness unconditionally — it never touches the
// database, so a stuck store cannot make the process look dead.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"status": "ok"})
}

// Ready reports whether the store is reachable. Used by orchestrators to
// gate traffic until the database connection is actually usable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, envelope{"status": "unavailable"})
		return
	}
	Ok(w, envelope{"status": "ready"})
}

// System reports version, uptime, and runtime facts useful for support
// requests without requiring authentication to see them.
func (h *HealthHandler) System(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{
		"version":    h.version,
		"go_version": runtime.Version(),
		"uptime_sec": int64(time.Since(h.startedAt).Seconds()),
		"goroutines": runtime.NumGoroutine(),
	})
}

// SetupStatus reports whether the first-boot admin credential has been
// created yet, so the UI can route a fresh install to the setup form.
func (h *HealthHandler) SetupStatus(w http.ResponseWriter, r *http.Request) {
	done, err := h.auth.SetupStatus(r.Context())
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"setup_complete": done})
}
