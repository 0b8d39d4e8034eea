// Command bastion-agent is the entry point for the Bastion agent: the
// process that runs on each backed-up machine, connects to the hub over a
// persistent WebSocket, and executes the backup, restore, and verify tasks
// it is dispatched.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the agent client (enrollment, persisted identity, reconnect)
//  4. Run the client's connection loop until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/agentclient"
	"github.com/Syt100/bastion-sub003/internal/target"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	hubURL      string
	agentID     string
	enrollToken string
	stateDir    string
	stagingRoot string
	logLevel    string
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
		Use:   "bastion-agent",
		Short: "Bastion agent — backup agent for the Bastion system",
		Long: `Bastion agent runs on each machine to be backed up. It connects to the
Bastion hub over a persistent WebSocket, receives backup, restore, and
verify tasks, and executes them against the configured target.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.hubURL, "hub-url", envOrDefault("BASTION_HUB_URL", "http://localhost:8080"), "Bastion hub base URL")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("BASTION_AGENT_ID", ""), "This agent's id, assigned when the hub created it (required)")
	root.PersistentFlags().StringVar(&cfg.enrollToken, "enroll-token", envOrDefault("BASTION_ENROLL_TOKEN", ""), "Single-use enrollment token, only needed on first run")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("BASTION_STATE_DIR", defaultStateDir()), "Directory for agent state (persisted identity)")
	root.PersistentFlags().StringVar(&cfg.stagingRoot, "staging-root", envOrDefault("BASTION_STAGING_ROOT", defaultStagingRoot()), "Directory for staging backup/restore data before upload")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BASTION_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bastion-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.agentID == "" {
		return fmt.Errorf("agent id is required — set --agent-id or BASTION_AGENT_ID")
	}

	logger.Info("starting bastion agent",
		zap.String("version", version),
		zap.String("hub_url", cfg.hubURL),
		zap.String("agent_id", cfg.agentID),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.stagingRoot, 0o750); err != nil {
		return fmt.Errorf("failed to create staging root: %w", err)
	}

	// Rate limits bound how hard the agent hammers a WebDAV or similar
	// target during backup/restore/verify; the same limits the hub applies
	// to its own locally-executed runs.
	rateLimits := target.MethodLimits{
		PUT:   target.RateLimit{QPS: 8, Burst: 8},
		HEAD:  target.RateLimit{QPS: 16, Burst: 16},
		MKCOL: target.RateLimit{QPS: 4, Burst: 4},
	}

	client := agentclient.New(agentclient.Config{
		HubURL:      cfg.hubURL,
		AgentID:     cfg.agentID,
		EnrollToken: cfg.enrollToken,
		StateDir:    cfg.stateDir,
		StagingRoot: cfg.stagingRoot,
		Version:     version,
		RateLimits:  rateLimits,
	}, logger)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM), reconnecting with
	// backoff across any connection loss.
	client.Run(ctx)

	logger.Info("bastion agent stopped")
	return nil
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.bastion-agent"
	}
	return ".bastion-agent"
}

// defaultStagingRoot returns the platform-appropriate default staging
// directory, kept separate from state-dir since staged run data can grow
// far larger than the identity file it sits alongside.
func defaultStagingRoot() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.bastion-agent/staging"
	}
	return ".bastion-agent/staging"
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
