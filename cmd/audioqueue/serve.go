package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpAdapter "github.com/cwygoda/audioqueue/internal/adapter/http"
	"github.com/cwygoda/audioqueue/internal/adapter/provider"
	"github.com/cwygoda/audioqueue/internal/worker"
)

var (
	servePort          int
	serveMaxConcurrent int
	serveArtifactDir   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the download worker",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().IntVar(&serveMaxConcurrent, "max-concurrent", 0, "maximum simultaneous downloads (overrides config)")
	serveCmd.Flags().StringVar(&serveArtifactDir, "artifact-dir", "", "directory for converted files (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("max-concurrent") {
		cfg.Queue.MaxConcurrent = serveMaxConcurrent
	}
	if flags.Changed("artifact-dir") {
		cfg.ArtifactDir = serveArtifactDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting audioqueue",
		"version", version,
		"port", cfg.Port,
		"driver", cfg.Database.Driver,
		"artifact_dir", cfg.ArtifactDir,
		"max_concurrent", cfg.Queue.MaxConcurrent,
		"lease_ttl", cfg.Queue.LeaseTTL,
	)

	svc, closeStore, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := provider.FromConfig(cfg.Providers, cfg.ArtifactDir, logger)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	for _, p := range registry.Providers() {
		logger.Info("provider registered", "provider", p.Name())
	}

	w := worker.New(svc, registry, logger, worker.Options{
		PollInterval:      cfg.Queue.PollInterval,
		ErrorBackoff:      cfg.Queue.ErrorBackoff,
		ShutdownGrace:     cfg.Queue.ShutdownGrace,
		Retention:         cfg.Queue.Retention,
		PruneInterval:     cfg.Queue.PruneInterval,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
	})

	srv := httpAdapter.NewServer(svc, fmt.Sprintf(":%d", cfg.Port),
		httpAdapter.WithLogger(logger),
		httpAdapter.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		httpAdapter.WithSubmitHook(w.Wake),
	)

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-workerDone:
		workerDone <- err
		if err != nil {
			runErr = fmt.Errorf("worker: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	// The worker requeues interrupted downloads before returning.
	if err := <-workerDone; err != nil && runErr == nil {
		runErr = fmt.Errorf("worker: %w", err)
	}

	logger.Info("shutdown complete")
	return runErr
}
