package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cyderes/findings-ingestion-service/internal/metrics"
	"github.com/cyderes/findings-ingestion-service/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduled pipeline and the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	ingestor, cleanup, err := buildService(ctx, cfg, store, m, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	httpServer := server.NewServer(cfg.Server, store, m.Handler(), logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		logger.Info("starting findings ingestion", "interval", cfg.Ingestion.Interval)
		if err := ingestor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ingestion service error", "error", err)
		}
	}()

	<-sigChan
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	cancel()
	select {
	case <-ingestDone:
	case <-shutdownCtx.Done():
		logger.Warn("in-flight ingestion runs did not finish before the shutdown deadline")
	}
	logger.Info("shutdown complete")
	return nil
}
