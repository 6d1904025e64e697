package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/approval"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/audit"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/autonomy"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/config"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/server"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/trust"
)

var (
	serveAddr          string
	serveGlobalRPM     int
	servePerCallerRPM  int
	serveRollbackHours int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().IntVar(&serveGlobalRPM, "global-rpm", 600, "global API requests per minute")
	serveCmd.Flags().IntVar(&servePerCallerRPM, "caller-rpm", 120, "per-caller API requests per minute")
	serveCmd.Flags().IntVar(&serveRollbackHours, "rollback-ttl-hours", 24, "rollback token validity in hours")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> caller from AEGIS_API_KEYS
// (comma-separated; each entry key or key:caller).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		caller := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			caller = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = caller
	}
	return m
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	pol, err := policy.LoadPolicy(ctx, cfg.GovernanceFile, false, ".")
	if err != nil {
		return fmt.Errorf("loading governance policy: %w", err)
	}

	auditStore, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer auditStore.Close()

	retentionDays := 90
	if pol.Audit != nil && pol.Audit.LogRetentionDays > 0 {
		retentionDays = pol.Audit.LogRetentionDays
	}
	sweeper := audit.NewRetentionSweeper(auditStore, retentionDays)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("starting retention sweeper: %w", err)
	}
	defer sweeper.Stop()

	approvalStore, err := approval.NewStore(cfg.ApprovalDBPath())
	if err != nil {
		return fmt.Errorf("initializing approval store: %w", err)
	}
	defer approvalStore.Close()
	gate := approval.NewGate(approvalStore, auditStore, pol.Approval)

	trustStore, err := trust.NewStore(cfg.TrustDBPath())
	if err != nil {
		return fmt.Errorf("initializing trust store: %w", err)
	}
	defer trustStore.Close()
	authorizer := trust.NewAuthorizer(trustStore)

	proposalStore, err := autonomy.NewStore(cfg.AutonomyDBPath())
	if err != nil {
		return fmt.Errorf("initializing proposal store: %w", err)
	}
	defer proposalStore.Close()

	snapshots, err := autonomy.NewFileSnapshotStore(cfg.SnapshotDir(), cfg.SnapshotKey)
	if err != nil {
		return fmt.Errorf("initializing snapshot store: %w", err)
	}

	executor := autonomy.NewExecutor(
		proposalStore, snapshots,
		autonomy.NoopSnapshotter{}, autonomy.NoopApplier{},
		authorizer, trustStore, auditStore,
		time.Duration(serveRollbackHours)*time.Hour,
	)

	apiKeys := parseAPIKeys(os.Getenv("AEGIS_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("AEGIS_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(
		pol,
		auditStore,
		gate,
		approvalStore,
		trustStore,
		authorizer,
		executor,
		proposalStore,
		apiKeys,
		server.WithCORSOrigins([]string{"*"}),
		server.WithRateLimiter(server.NewRateLimiter(serveGlobalRPM, servePerCallerRPM)),
	)

	addr := serveAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("agent", pol.Agent.Name).
		Str("policy_version", pol.VersionTag).
		Msg("aegis_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
