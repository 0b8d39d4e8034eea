package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/agentmanager"
	"github.com/Syt100/bastion-sub003/internal/auth"
	"github.com/Syt100/bastion-sub003/internal/scheduler"
	"github.com/Syt100/bastion-sub003/internal/store"
	"github.com/Syt100/bastion-sub003/internal/vault"
	"github.com/Syt100/bastion-sub003/internal/wsserver"
)

// RouterConfig holds every dependency NewRouter needs to build handlers. It
// is populated in main.go once all components are initialized, then passed
// as a single struct to keep the constructor signature manageable as the
// number of dependencies grows.
type RouterConfig struct {
	Auth      *auth.Service
	Scheduler *scheduler.Scheduler
	AgentMgr  *agentmanager.Manager
	WSHandler wsserver.Handler
	Vault     *vault.Service
	Store     pinger
	Logger    *zap.Logger
	Version   string

	Jobs          store.JobRepository
	Runs          store.RunRepository
	Agents        store.AgentRepository
	Notifications store.NotificationRepository
	Cleanup       store.CleanupRepository
	ArtifactDel   store.ArtifactDeleteRepository
	BulkOps       store.BulkOperationRepository

	// Secure controls whether the session cookie is marked Secure. True
	// whenever the hub is served over HTTPS, false only for local
	// plain-HTTP development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router. Resource
// routes live under /api/v1; health/readiness/system/setup-status are
// mounted directly under /api so they stay reachable regardless of HTTPS
// enforcement or whether first-boot setup has run yet.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	healthHandler := NewHealthHandler(cfg.Store, cfg.Auth, cfg.Version)
	authHandler := NewAuthHandler(cfg.Auth, cfg.Logger, cfg.Secure)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Scheduler, cfg.Logger)
	runHandler := NewRunHandler(cfg.Runs, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.AgentMgr, cfg.Logger)
	bulkHandler := NewBulkOperationHandler(cfg.BulkOps, cfg.Agents, cfg.Logger)
	secretHandler := NewSecretHandler(cfg.Vault, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.Vault, cfg.Notifications, cfg.Logger)
	agentConnectHandler := NewAgentConnectHandler(cfg.Agents, cfg.AgentMgr, cfg.WSHandler, cfg.Logger)

	notificationQueue := NewQueueHandler[store.Notification](cfg.Notifications, notificationToResponse, cfg.Logger)
	cleanupQueue := NewQueueHandler[store.IncompleteCleanupTask](cfg.Cleanup, cleanupTaskToResponse, cfg.Logger)
	artifactDeleteQueue := NewQueueHandler[store.ArtifactDeleteTask](cfg.ArtifactDel, artifactDeleteTaskToResponse, cfg.Logger)
	bulkItemQueue := NewQueueHandler[store.BulkOperationItem](cfg.BulkOps, bulkOperationItemToResponse, cfg.Logger)

	// --- Always-reachable endpoints, no auth, outside /api/v1 ---
	r.Get("/api/health", healthHandler.Health)
	r.Get("/api/ready", healthHandler.Ready)
	r.Get("/api/system", healthHandler.System)
	r.Get("/api/setup/status", healthHandler.SetupStatus)

	r.Route("/api/v1", func(r chi.Router) {
		// --- Public routes ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/setup", authHandler.Setup)
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/renew", authHandler.Renew)
			r.Post("/agents/enroll", agentHandler.Enroll)
			r.Get("/agents/{id}/connect", agentConnectHandler.Connect)
		})

		// --- Authenticated routes ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Auth))

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/jobs", jobHandler.List)
			r.Post("/jobs", jobHandler.Create)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Patch("/jobs/{id}", jobHandler.Update)
			r.Delete("/jobs/{id}", jobHandler.Archive)
			r.Post("/jobs/{id}/trigger", jobHandler.Trigger)
			r.Get("/jobs/{id}/runs", runHandler.ListByJob)

			r.Get("/runs/{id}", runHandler.GetByID)
			r.Get("/runs/{id}/events", runHandler.GetEvents)

			r.Get("/agents", agentHandler.List)
			r.Post("/agents", agentHandler.Create)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Patch("/agents/{id}", agentHandler.Update)
			r.Delete("/agents/{id}", agentHandler.Delete)

			r.Get("/secrets", secretHandler.List)
			r.Post("/secrets", secretHandler.Put)
			r.Delete("/secrets", secretHandler.Delete)

			r.Get("/settings/notifications/smtp", settingsHandler.GetSMTP)
			r.Put("/settings/notifications/smtp", settingsHandler.PutSMTP)
			r.Get("/settings/notifications/webhook", settingsHandler.GetWebhook)
			r.Put("/settings/notifications/webhook", settingsHandler.PutWebhook)

			r.Post("/bulk-operations", bulkHandler.Create)
			r.Get("/bulk-operations/{id}", bulkHandler.GetByID)
			mountQueue(r, "/bulk-operations/items", bulkItemQueue)

			mountQueue(r, "/queues/notifications", notificationQueue)
			mountQueue(r, "/queues/cleanup", cleanupQueue)
			mountQueue(r, "/queues/artifact-delete", artifactDeleteQueue)
		})
	})

	return r
}

// mountQueue registers the six routes every durable queue exposes under
// prefix: list, the per-row operator actions, and the event log.
func mountQueue[T any](r chi.Router, prefix string, h *QueueHandler[T]) {
	r.Get(prefix, h.List)
	r.Post(prefix+"/{id}/retry-now", h.RetryNow)
	r.Post(prefix+"/{id}/ignore", h.Ignore)
	r.Post(prefix+"/{id}/unignore", h.Unignore)
	r.Post(prefix+"/{id}/cancel", h.Cancel)
	r.Get(prefix+"/{id}/events", h.Events)
}
