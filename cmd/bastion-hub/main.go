// Command bastion-hub is the entry point for the Bastion hub: the central
// service that owns job definitions, schedules runs, dispatches them to
// connected agents or executes them locally, and serves the REST API.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the vault (master key material) and the metadata store
//  4. Build repositories, the run-event broadcast hub, the agent manager
//  5. Build the executor, the scheduler, and start it
//  6. Build the auth service and the four durable queue workers
//  7. Build the hub-side WebSocket handler and the HTTP router
//  8. Serve, then wait for SIGINT/SIGTERM and shut down gracefully
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Syt100/bastion-sub003/internal/agentmanager"
	"github.com/Syt100/bastion-sub003/internal/api"
	"github.com/Syt100/bastion-sub003/internal/auth"
	"github.com/Syt100/bastion-sub003/internal/backoff"
	"github.com/Syt100/bastion-sub003/internal/broadcast"
	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/executor"
	"github.com/Syt100/bastion-sub003/internal/hubhandler"
	"github.com/Syt100/bastion-sub003/internal/notify"
	"github.com/Syt100/bastion-sub003/internal/queue"
	"github.com/Syt100/bastion-sub003/internal/scheduler"
	"github.com/Syt100/bastion-sub003/internal/store"
	"github.com/Syt100/bastion-sub003/internal/target"
	"github.com/Syt100/bastion-sub003/internal/vault"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	secretKey     string
	logLevel      string
	dataDir       string
	stagingRoot   string
	secureCookies bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "bastion-hub",
		Short: "Bastion hub — self-hosted backup orchestrator",
		Long: `Bastion hub is the central component of the Bastion backup system.
It exposes a REST API for the web console, a WebSocket endpoint for agents,
and owns scheduling, retention, and notification delivery.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BASTION_HTTP_ADDR", ":8080"), "HTTP API and console listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("BASTION_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BASTION_DB_DSN", "./bastion.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("BASTION_SECRET_KEY", ""), "Master key for sealing secrets at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BASTION_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("BASTION_DATA_DIR", "./data"), "Directory for hub data (JWT keys, etc.)")
	root.PersistentFlags().StringVar(&cfg.stagingRoot, "staging-root", envOrDefault("BASTION_STAGING_ROOT", "./staging"), "Directory for locally-executed run staging")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("BASTION_SECURE_COOKIES", "false") == "true", "Set Secure flag on the session cookie (enable in production over HTTPS)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bastion-hub %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or BASTION_SECRET_KEY")
	}

	logger.Info("starting bastion hub",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Vault ---
	// The secret key is padded or truncated to exactly 32 bytes and used as
	// the sole keyring entry under kid "v1". Rotate/ImportKeypack let an
	// operator add a second key and retire this one without downtime.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	v, err := vault.New(map[string][]byte{"v1": keyBytes}, "v1")
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	// --- 2. Store ---
	st, err := store.Open(store.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	// --- 3. Repositories ---
	jobRepo := store.NewJobRepository(st.DB)
	runRepo := store.NewRunRepository(st.DB)
	agentRepo := store.NewAgentRepository(st.DB)
	secretRepo := store.NewSecretRepository(st.DB)
	snapshotRepo := store.NewSnapshotRepository(st.DB)
	notificationRepo := store.NewNotificationRepository(st.DB)
	cleanupRepo := store.NewCleanupRepository(st.DB)
	artifactDeleteRepo := store.NewArtifactDeleteRepository(st.DB)
	bulkRepo := store.NewBulkOperationRepository(st.DB)
	authRepo := store.NewAuthRepository(st.DB)

	vaultSvc := vault.NewService(v, secretRepo)

	// --- 4. Broadcast hub and agent manager ---
	eventLog := store.NewEventLog(runRepo)
	events := broadcast.New(eventLog)
	agentMgr := agentmanager.New(logger)

	// --- 5. Executor and scheduler ---
	rateLimits := target.MethodLimits{
		PUT:   target.RateLimit{QPS: 8, Burst: 8},
		HEAD:  target.RateLimit{QPS: 16, Burst: 16},
		MKCOL: target.RateLimit{QPS: 4, Burst: 4},
	}

	exec := executor.New(vaultSvc, cfg.stagingRoot, rateLimits)

	sched, err := scheduler.New(jobRepo, runRepo, exec, vaultSvc, agentMgr, events, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 6. Auth ---
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	authSvc := auth.NewService(authRepo, jwtManager, domain.RealClock)

	// --- 7. Durable queue workers ---
	sender := notify.New(vaultSvc)

	notificationWorker := queue.New[store.Notification](
		queue.NewNotificationBody(notificationRepo, sender), backoff.Default, logger)
	cleanupWorker := queue.New[store.IncompleteCleanupTask](
		queue.NewCleanupBody(cleanupRepo, vaultSvc, rateLimits), backoff.Default, logger)
	artifactDeleteWorker := queue.New[store.ArtifactDeleteTask](
		queue.NewArtifactDeleteBody(artifactDeleteRepo, snapshotRepo, vaultSvc, rateLimits), backoff.Default, logger)
	bulkWorker := queue.New[store.BulkOperationItem](
		queue.NewBulkBody(bulkRepo, agentRepo, jobRepo, vaultSvc, agentMgr), backoff.Default, logger)

	for _, w := range []interface{ Run(context.Context) }{
		notificationWorker, cleanupWorker, artifactDeleteWorker, bulkWorker,
	} {
		go w.Run(ctx)
	}

	// --- 8. Hub-side WebSocket handler and HTTP router ---
	wsHandler := hubhandler.New(agentRepo, runRepo, sched, logger)

	router := api.NewRouter(api.RouterConfig{
		Auth:      authSvc,
		Scheduler: sched,
		AgentMgr:  agentMgr,
		WSHandler: wsHandler,
		Vault:     vaultSvc,
		Store:     st,
		Logger:    logger,
		Version:   version,

		Jobs:          jobRepo,
		Runs:          runRepo,
		Agents:        agentRepo,
		Notifications: notificationRepo,
		Cleanup:       cleanupRepo,
		ArtifactDel:   artifactDeleteRepo,
		BulkOps:       bulkRepo,

		Secure: cfg.secureCookies,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down bastion hub")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("bastion hub stopped")
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available, or
// generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "bastion-hub")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (sessions will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("bastion-hub")
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
