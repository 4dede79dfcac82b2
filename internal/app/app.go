// Package app assembles the components shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/receiptflow/internal/config"
	"github.com/dunamismax/receiptflow/internal/extraction"
	"github.com/dunamismax/receiptflow/internal/registry"
	"github.com/dunamismax/receiptflow/internal/storage"
	"github.com/dunamismax/receiptflow/internal/store"
	"github.com/dunamismax/receiptflow/internal/webhook"
	"github.com/dunamismax/receiptflow/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Components is everything a process needs to run extraction jobs. Fields
// that the configuration leaves disabled are nil.
type Components struct {
	Store    store.Store
	Registry registry.Registry
	Redis    redis.UniversalClient
	Storage  *storage.Client
	Metrics  *prometheus.Registry
	Runner   *worker.Runner

	closers []func() error
}

// Build opens the store, the registry and the optional redis and object
// storage clients, then wires an extraction runner over them. On error every
// resource opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *Components, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Components{}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	dsn, err := cfg.Store.DSN()
	if err != nil {
		return nil, err
	}
	c.Store, err = store.Open(ctx, dsn, cfg.Store.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.closers = append(c.closers, c.Store.Close)

	if needsRedis(cfg) {
		client := redis.NewClient(cfg.Redis.Options())
		c.closers = append(c.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		c.Redis = client
	}

	switch cfg.Registry.Backend {
	case config.RegistryRedis:
		reg, err := registry.NewRedisRegistry(c.Redis, cfg.Registry.TTL, "")
		if err != nil {
			return nil, fmt.Errorf("redis registry: %w", err)
		}
		c.Registry = reg
	default:
		c.Registry = registry.NewMemoryRegistry(registry.WithTTL(cfg.Registry.TTL))
	}
	c.closers = append(c.closers, c.Registry.Close)

	var fetcher extraction.Fetcher = extraction.ReferenceFetcher{}
	var procOpts []extraction.Option
	if cfg.Storage.Enabled {
		client, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("object storage: %w", err)
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		c.Storage = client
		fetcher = extraction.ObjectStoreFetcher{Storage: client}
		procOpts = append(procOpts, extraction.WithArchiver(extraction.ObjectStoreArchiver{Storage: client}))
		logger.Info("object storage enabled", zap.String("bucket", client.Bucket()))
	}
	processor := extraction.NewProcessor(fetcher, extraction.StubExtractor{}, procOpts...)

	c.Metrics = prometheus.NewRegistry()
	c.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	runnerOpts := []worker.RunnerOption{
		worker.WithLogger(logger),
		worker.WithMetrics(worker.NewMetrics(c.Metrics)),
		worker.WithTimeout(cfg.Dispatch.ExtractionTimeout),
	}
	if cfg.Webhook.URL != "" {
		runnerOpts = append(runnerOpts, worker.WithNotifier(webhook.NewClient(webhook.Config{
			URL:           cfg.Webhook.URL,
			SigningSecret: cfg.Webhook.SigningSecret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		})))
	}
	c.Runner = worker.NewRunner(c.Store, c.Registry, processor, runnerOpts...)
	return c, nil
}

// Close releases resources in reverse order of acquisition.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func needsRedis(cfg config.Config) bool {
	return cfg.Registry.Backend == config.RegistryRedis ||
		cfg.Dispatch.Mode == config.DispatchQueue ||
		cfg.API.RateLimit.Enabled
}
