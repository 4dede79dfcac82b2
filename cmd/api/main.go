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

	"github.com/dunamismax/receiptflow/internal/api"
	"github.com/dunamismax/receiptflow/internal/app"
	"github.com/dunamismax/receiptflow/internal/config"
	"github.com/dunamismax/receiptflow/internal/dispatch"
	"github.com/dunamismax/receiptflow/internal/jobs"
	"github.com/dunamismax/receiptflow/internal/logging"
	"github.com/dunamismax/receiptflow/internal/queue"
	"github.com/dunamismax/receiptflow/internal/ratelimit"
	"github.com/dunamismax/receiptflow/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With(zap.String("component", "api"))

	os.Exit(logging.ExitCode(logger, "api exited", run(cfg, logger)))
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
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

	var (
		dispatcher dispatch.Dispatcher
		pool       *dispatch.Pool
		queueCli   *queue.Client
	)
	switch cfg.Dispatch.Mode {
	case config.DispatchQueue:
		queueCli = queue.NewClient(cfg.Redis.ClientOpt(), cfg.Dispatch.QueueName, cfg.Dispatch.ExtractionTimeout)
		dispatcher = queueCli
	default:
		pool = dispatch.NewPool(comps.Runner.Handle,
			dispatch.WithWorkers(cfg.Dispatch.Workers),
			dispatch.WithQueueSize(cfg.Dispatch.QueueSize),
			dispatch.WithLogger(logger),
		)
		dispatcher = pool
	}

	svcOpts := []jobs.Option{jobs.WithLogger(logger)}
	if comps.Storage != nil {
		svcOpts = append(svcOpts, jobs.WithPresigner(comps.Storage, cfg.Storage.PresignTTL))
	}
	svc := jobs.NewService(comps.Store, comps.Registry, dispatcher, svcOpts...)

	apiOpts := api.Options{
		Registry:              comps.Metrics,
		Tracer:                otel.Tracer("github.com/dunamismax/receiptflow/api"),
		RateLimitUserIDHeader: cfg.API.RateLimit.UserIDHeader,
		CORSOrigins:           cfg.API.CORSOrigins,
	}
	if cfg.API.RateLimit.Enabled {
		limiter, err := ratelimit.NewRedisTokenBucket(comps.Redis, ratelimit.Config{
			Capacity: cfg.API.RateLimit.Capacity,
			Window:   cfg.API.RateLimit.Window,
		})
		if err != nil {
			_ = comps.Close()
			return fmt.Errorf("rate limiter: %w", err)
		}
		apiOpts.RateLimiter = limiter
	}
	server := api.NewServer(logger, svc, apiOpts)

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.API.Addr),
			zap.String("dispatch_mode", cfg.Dispatch.Mode),
			zap.String("registry", cfg.Registry.Backend),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.API.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if pool != nil {
		if err := pool.Stop(shutdownCtx); err != nil {
			logger.Warn("dispatch pool stop", zap.Error(err), zap.Int("pending", pool.Pending()))
		}
	}
	if queueCli != nil {
		if err := queueCli.Close(); err != nil {
			logger.Warn("queue client close", zap.Error(err))
		}
	}
	if err := comps.Close(); err != nil {
		logger.Warn("close components", zap.Error(err))
	}
	return runErr
}
