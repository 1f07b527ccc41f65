package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/doc-intake/internal/bootstrap"
	"github.com/kirillkom/doc-intake/internal/config"
	"github.com/kirillkom/doc-intake/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("doc-intake-worker", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.Metrics.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker_metrics_listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := app.Sweeper.Start(); err != nil {
		logger.Error("sweeper_start_failed", "error", err)
		return
	}
	defer func() {
		<-app.Sweeper.Stop().Done()
	}()

	logger.Info("worker_started", "mode", cfg.ExecutionMode, "subject_prefix", cfg.NATSSubjectPrefix)
	if err := app.RunWorkers(ctx); err != nil {
		logger.Error("worker_stopped_with_error", "error", err)
		return
	}
	logger.Info("worker_stopped")
}
