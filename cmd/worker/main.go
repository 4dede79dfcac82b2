package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/receiptflow/internal/app"
	"github.com/dunamismax/receiptflow/internal/config"
	"github.com/dunamismax/receiptflow/internal/logging"
	"github.com/dunamismax/receiptflow/internal/telemetry"
	"github.com/dunamismax/receiptflow/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With(zap.String("component", "worker"))

	os.Exit(logging.ExitCode(logger, "worker exited", run(cfg, logger)))
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Status written here is only visible to the API through a shared registry.
	if cfg.Registry.Backend != config.RegistryRedis {
		return fmt.Errorf("%w: worker requires the redis registry", config.ErrConfiguration)
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	// Deferred first so spans from every later failure path are flushed.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	comps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Warn("close components", zap.Error(err))
		}
	}()

	srv, err := worker.NewServer(logger, worker.ServerConfig{
		RedisOpt:    cfg.Redis.ClientOpt(),
		Queue:       cfg.Dispatch.QueueName,
		Concurrency: cfg.Dispatch.Workers,
	}, comps.Runner)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(comps.Metrics, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Dispatch.Workers),
		zap.String("queue", cfg.Dispatch.QueueName),
		zap.String("redis", cfg.Redis.Addr),
		zap.String("metrics_addr", cfg.Worker.MetricsAddr),
	)

	// Run blocks until SIGINT or SIGTERM and then drains in-flight tasks.
	runErr := srv.Run()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("worker server: %w", runErr)
	}
	return nil
}
