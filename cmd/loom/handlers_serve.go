package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/gateway"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/orchestrator"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/store"
)

// runServe wires the engine together and serves HTTP until the process is
// told to stop.
func runServe(cmd *cobra.Command, debug bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.LogConfig())
	metrics := observability.NewMetrics()
	tracer, stopTracer := observability.NewTracer(cfg.TraceConfig())

	storePath, err := cfg.StorePath()
	if err != nil {
		return err
	}
	st, err := store.NewFileStore(storePath, store.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := defaultProvider(cfg, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(st, orchestrator.Options{
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
		QueueSize:       cfg.Orchestrator.QueueSize,
		SubscriberWall:  cfg.Orchestrator.SubscriberWall,
		CompleteTimeout: cfg.Orchestrator.CompleteTimeout,
		MaxAttempts:     cfg.Orchestrator.MaxAttempts,
		RetryDelay:      cfg.Orchestrator.RetryDelay,
	})

	gw := gateway.New(gateway.Options{
		Config:       cfg,
		Store:        st,
		Orchestrator: orch,
		Provider:     provider,
		Logger:       logger,
		Metrics:      metrics,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "loom gateway started",
		"addr", gw.Addr(),
		"provider", provider.Name(),
		"conversations_dir", storePath,
		"version", version,
	)

	<-ctx.Done()
	stop()
	logger.Info(context.Background(), "shutting down")

	// Shutdown applies the configured grace window itself; the outer bound
	// also covers session flushes and the trace exporter.
	grace := cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "gateway shutdown incomplete", "error", err)
	}
	if err := stopTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "trace exporter shutdown failed", "error", err)
	}
	return nil
}

// defaultProvider builds the configured driver. Serving never prompts for
// credentials; a missing one fails fast so the exit code reflects it.
func defaultProvider(cfg *config.Config, logger *observability.Logger) (providers.Provider, error) {
	dcfg := cfg.DriverConfig(cfg.Provider)
	dcfg.Logger = logger
	return providers.Create(cfg.Provider, dcfg)
}
