package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nuclearlighters/workspace-manager/internal/api"
	"github.com/nuclearlighters/workspace-manager/internal/auth"
	"github.com/nuclearlighters/workspace-manager/internal/circuitbreaker"
	"github.com/nuclearlighters/workspace-manager/internal/cloud/emulator"
	"github.com/nuclearlighters/workspace-manager/internal/config"
	"github.com/nuclearlighters/workspace-manager/internal/database"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/workflows"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/managers"
	"github.com/nuclearlighters/workspace-manager/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the workflow engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Settings) error {
	log.Info().
		Str("version", cfg.Version).
		Str("listen", cfg.ListenAddr()).
		Msg("Starting workspace manager")

	shutdownTracing, err := telemetry.SetupTracing(telemetry.TracingConfig{
		Enabled:        cfg.TracingEnabled,
		ServiceVersion: cfg.Version,
		NodeID:         cfg.NodeID,
		Output:         os.Stdout,
	})
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close(db)
	if err := database.MigrateAndSeed(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	svc := newIAM(cfg)
	emu := emulator.New(emulator.Options{})
	log.Info().Str("mode", cfg.CloudMode).Msg("Cloud providers initialized")

	var reg *prometheus.Registry
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	transfer := steps.TransferPolling{
		JobPollInterval: cfg.TransferJobPollInterval,
		JobPollAttempts: cfg.TransferJobPollAttempts,
		OpPollInterval:  cfg.TransferOpPollInterval,
		OpPollAttempts:  cfg.TransferOpPollAttempts,
	}
	engineCfg := flowengine.EngineConfig{
		ActivePollInterval:     cfg.EnginePollInterval,
		IdlePollInterval:       cfg.EngineIdlePollInterval,
		ReaperInterval:         cfg.EngineReaperInterval,
		LockDuration:           cfg.EngineLockDuration,
		MaxConcurrentWorkflows: cfg.MaxConcurrentWorkflows,
		NodeID:                 cfg.NodeID,
	}
	if reg != nil {
		engineCfg.Registerer = reg
	}

	orchestrator, err := managers.NewOrchestrator(managers.OrchestratorConfig{
		DB:             db,
		IAM:            svc,
		GCP:            emu,
		Azure:          emu,
		BillingAccount: cfg.GCPBillingAccount,
		Wait:           steps.WaitConfig{PollInterval: cfg.WaitPollInterval, MaxCycles: cfg.WaitMaxCycles},
		SyncWait:       steps.WaitConfig{PollInterval: cfg.SyncPollInterval, MaxCycles: cfg.SyncMaxCycles},
		Transfer:       transfer,
		Engine:         engineCfg,
		Policies:       workflows.DefaultPolicies(),
	})
	if err != nil {
		return err
	}
	if err := orchestrator.Start(ctx); err != nil {
		return err
	}
	defer orchestrator.Close()

	srv := &http.Server{
		Addr: cfg.ListenAddr(),
		Handler: api.NewRouter(api.RouterConfig{
			Orchestrator: orchestrator,
			Auth:         auth.NewJWTService(cfg.JWTSecret),
			Status:       api.NewStatusHandler(db, svc, cfg.Version),
			Registry:     reg,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
	return nil
}

// newIAM returns the Sam client, or the in-process mock when no Sam URL is
// configured.
func newIAM(cfg *config.Settings) iam.Service {
	if cfg.UsesSamMock() {
		log.Warn().Msg("No authorization service configured - using the in-process mock")
		return iam.NewMockService()
	}
	log.Info().Str("url", cfg.SamBaseURL).Msg("Authorization service configured")
	return iam.NewSamClient(iam.SamConfig{
		BaseURL:           cfg.SamBaseURL,
		ServiceToken:      cfg.SamServiceToken,
		Timeout:           cfg.SamTimeout,
		RequestsPerSecond: cfg.SamRateLimit,
		Breaker:           circuitbreaker.DefaultConfig(),
	})
}
