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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/odatabatch/internal/config"
	"github.com/pitabwire/odatabatch/internal/gateway"
	"github.com/pitabwire/odatabatch/internal/observability"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP batch gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if code := serve(cmd.Context(), configPath); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	return cmd
}

func serve(parent context.Context, configPath string) int {
	// Step 1: Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "odatabatch-gateway", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: CSRF token store and batch client.
	tokens, err := buildTokenStore(ctx, cfg.CSRF, logger)
	if err != nil {
		logger.Error("csrf token store initialization failed", zap.Error(err))
		return 1
	}
	client := buildClient(cfg, tokens.store, logger, metrics)

	// Step 4: Build HTTP router.
	router := gateway.NewRouter(gateway.Dependencies{
		Config:     cfg,
		Client:     client,
		Logger:     logger,
		Metrics:    metrics,
		Gatherer:   prometheus.DefaultGatherer,
		TokenStore: tokens.health,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 5: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("destinations", len(cfg.Destinations)),
		zap.String("csrf_store", cfg.CSRF.Store),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if tokens.closer != nil {
		if err := tokens.closer(); err != nil {
			logger.Error("csrf token store close error", zap.Error(err))
		}
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}
