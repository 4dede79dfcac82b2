package config

import (
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// ErrConfiguration marks a configuration the process must not start with.
var ErrConfiguration = errors.New("configuration error")

const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"

	DispatchPool  = "pool"
	DispatchQueue = "queue"
)

type Config struct {
	API      APIConfig
	Store    StoreConfig
	Registry RegistryConfig
	Redis    RedisConfig
	Dispatch DispatchConfig
	Storage  StorageConfig
	Webhook  WebhookConfig
	Tracing  TracingConfig
	Log      LogConfig
	Worker   WorkerConfig
}

type APIConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	RateLimit       RateLimitConfig
	// CORSOrigins lists the browser origins allowed to call the API. Empty
	// allows any origin.
	CORSOrigins []string
}

type RateLimitConfig struct {
	Enabled      bool
	Capacity     int
	Window       time.Duration
	UserIDHeader string
}

// StoreConfig points at the persistent store. URL carries the endpoint and
// Key the access credential; both are required.
type StoreConfig struct {
	URL          string
	Key          string
	MaxOpenConns int
}

// DSN merges the access credential into the store URL.
func (s StoreConfig) DSN() (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("parse store url: %w", err)
	}
	if u.Scheme == "memory" {
		return u.String(), nil
	}
	username := "postgres"
	if u.User != nil && u.User.Username() != "" {
		username = u.User.Username()
	}
	u.User = url.UserPassword(username, s.Key)
	return u.String(), nil
}

type RegistryConfig struct {
	Backend string
	TTL     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (r RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func (r RedisConfig) ClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	}
}

type DispatchConfig struct {
	Mode              string
	Workers           int
	QueueSize         int
	QueueName         string
	ExtractionTimeout time.Duration
}

type StorageConfig struct {
	Enabled    bool
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	UseSSL     bool
	PresignTTL time.Duration
}

type WebhookConfig struct {
	URL           string
	SigningSecret string
	MaxAttempts   int
	Timeout       time.Duration
}

type TracingConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type LogConfig struct {
	Level  string
	Format string
}

type WorkerConfig struct {
	MetricsAddr string
}

var envBindings = map[string]string{
	"api.addr":                   "RECEIPTFLOW_API_ADDR",
	"api.shutdown_timeout":       "RECEIPTFLOW_SHUTDOWN_TIMEOUT",
	"api.cors_origins":           "CORS_ALLOWED_ORIGINS",
	"api.rate_limit.enabled":     "RATE_LIMIT_ENABLED",
	"api.rate_limit.capacity":    "RATE_LIMIT_CAPACITY",
	"api.rate_limit.window":      "RATE_LIMIT_WINDOW",
	"api.rate_limit.user_header": "RATE_LIMIT_USER_HEADER",
	"store.url":                  "RECEIPTS_STORE_URL",
	"store.key":                  "RECEIPTS_STORE_KEY",
	"store.max_open_conns":       "RECEIPTS_STORE_MAX_OPEN_CONNS",
	"registry.backend":           "REGISTRY_BACKEND",
	"registry.ttl":               "REGISTRY_TTL",
	"redis.addr":                 "REDIS_ADDR",
	"redis.password":             "REDIS_PASSWORD",
	"redis.db":                   "REDIS_DB",
	"dispatch.mode":              "DISPATCH_MODE",
	"dispatch.workers":           "DISPATCH_WORKERS",
	"dispatch.queue_size":        "DISPATCH_QUEUE_SIZE",
	"dispatch.queue_name":        "ASYNC_QUEUE",
	"dispatch.timeout":           "EXTRACTION_TIMEOUT",
	"storage.enabled":            "STORAGE_ENABLED",
	"storage.endpoint":           "MINIO_ENDPOINT",
	"storage.access_key":         "MINIO_ACCESS_KEY",
	"storage.secret_key":         "MINIO_SECRET_KEY",
	"storage.bucket":             "MINIO_BUCKET",
	"storage.use_ssl":            "MINIO_USE_SSL",
	"storage.presign_ttl":        "PRESIGN_TTL",
	"webhook.url":                "WEBHOOK_URL",
	"webhook.signing_secret":     "WEBHOOK_SIGNING_SECRET",
	"webhook.max_attempts":       "WEBHOOK_MAX_ATTEMPTS",
	"webhook.timeout":            "WEBHOOK_TIMEOUT",
	"tracing.service_name":       "OTEL_SERVICE_NAME",
	"tracing.exporter":           "TRACE_EXPORTER",
	"tracing.otlp_endpoint":      "OTEL_EXPORTER_OTLP_ENDPOINT",
	"tracing.otlp_insecure":      "OTEL_EXPORTER_OTLP_INSECURE",
	"log.level":                  "LOG_LEVEL",
	"log.format":                 "LOG_FORMAT",
	"worker.metrics_addr":        "WORKER_METRICS_ADDR",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.shutdown_timeout", 10*time.Second)
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.capacity", 30)
	v.SetDefault("api.rate_limit.window", time.Minute)
	v.SetDefault("api.rate_limit.user_header", "X-User-ID")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("registry.backend", RegistryMemory)
	v.SetDefault("registry.ttl", time.Duration(0))
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("dispatch.mode", DispatchPool)
	v.SetDefault("dispatch.workers", max(2, runtime.NumCPU()))
	v.SetDefault("dispatch.queue_size", 64)
	v.SetDefault("dispatch.queue_name", "extraction")
	v.SetDefault("dispatch.timeout", 5*time.Minute)
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.bucket", "source-documents")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.presign_ttl", 15*time.Minute)
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("tracing.service_name", "receiptflow")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("worker.metrics_addr", ":9091")
}

// Load reads configuration from the environment, after merging a .env file
// from the working directory when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	setDefaults(v)

	cfg := Config{
		API: APIConfig{
			Addr:            v.GetString("api.addr"),
			ShutdownTimeout: v.GetDuration("api.shutdown_timeout"),
			CORSOrigins:     splitList(v.GetString("api.cors_origins")),
			RateLimit: RateLimitConfig{
				Enabled:      v.GetBool("api.rate_limit.enabled"),
				Capacity:     v.GetInt("api.rate_limit.capacity"),
				Window:       v.GetDuration("api.rate_limit.window"),
				UserIDHeader: v.GetString("api.rate_limit.user_header"),
			},
		},
		Store: StoreConfig{
			URL:          strings.TrimSpace(v.GetString("store.url")),
			Key:          strings.TrimSpace(v.GetString("store.key")),
			MaxOpenConns: v.GetInt("store.max_open_conns"),
		},
		Registry: RegistryConfig{
			Backend: strings.ToLower(strings.TrimSpace(v.GetString("registry.backend"))),
			TTL:     v.GetDuration("registry.ttl"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Dispatch: DispatchConfig{
			Mode:              strings.ToLower(strings.TrimSpace(v.GetString("dispatch.mode"))),
			Workers:           v.GetInt("dispatch.workers"),
			QueueSize:         v.GetInt("dispatch.queue_size"),
			QueueName:         v.GetString("dispatch.queue_name"),
			ExtractionTimeout: v.GetDuration("dispatch.timeout"),
		},
		Storage: StorageConfig{
			Enabled:    v.GetBool("storage.enabled"),
			Endpoint:   v.GetString("storage.endpoint"),
			AccessKey:  v.GetString("storage.access_key"),
			SecretKey:  v.GetString("storage.secret_key"),
			Bucket:     v.GetString("storage.bucket"),
			UseSSL:     v.GetBool("storage.use_ssl"),
			PresignTTL: v.GetDuration("storage.presign_ttl"),
		},
		Webhook: WebhookConfig{
			URL:           strings.TrimSpace(v.GetString("webhook.url")),
			SigningSecret: v.GetString("webhook.signing_secret"),
			MaxAttempts:   v.GetInt("webhook.max_attempts"),
			Timeout:       v.GetDuration("webhook.timeout"),
		},
		Tracing: TracingConfig{
			ServiceName:  v.GetString("tracing.service_name"),
			Exporter:     v.GetString("tracing.exporter"),
			OTLPEndpoint: v.GetString("tracing.otlp_endpoint"),
			OTLPInsecure: v.GetBool("tracing.otlp_insecure"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Worker: WorkerConfig{
			MetricsAddr: v.GetString("worker.metrics_addr"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var missing []string
	if c.Store.URL == "" {
		missing = append(missing, "RECEIPTS_STORE_URL")
	}
	if c.Store.Key == "" {
		missing = append(missing, "RECEIPTS_STORE_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: store credentials missing: %s", ErrConfiguration, strings.Join(missing, ", "))
	}

	if _, err := c.Store.DSN(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	switch c.Registry.Backend {
	case RegistryMemory, RegistryRedis:
	default:
		return fmt.Errorf("%w: unsupported registry backend: %s", ErrConfiguration, c.Registry.Backend)
	}
	if c.Registry.TTL < 0 {
		return fmt.Errorf("%w: registry ttl must not be negative", ErrConfiguration)
	}

	switch c.Dispatch.Mode {
	case DispatchPool:
		if c.Dispatch.Workers < 1 {
			return fmt.Errorf("%w: dispatch workers must be positive", ErrConfiguration)
		}
		if c.Dispatch.QueueSize < 0 {
			return fmt.Errorf("%w: dispatch queue size must not be negative", ErrConfiguration)
		}
	case DispatchQueue:
		// A separate worker process can only report status through a shared registry.
		if c.Registry.Backend != RegistryRedis {
			return fmt.Errorf("%w: dispatch mode %q requires the redis registry", ErrConfiguration, DispatchQueue)
		}
	default:
		return fmt.Errorf("%w: unsupported dispatch mode: %s", ErrConfiguration, c.Dispatch.Mode)
	}

	if c.Storage.Enabled && strings.TrimSpace(c.Storage.Bucket) == "" {
		return fmt.Errorf("%w: storage bucket is required when storage is enabled", ErrConfiguration)
	}
	if c.API.RateLimit.Enabled && (c.API.RateLimit.Capacity <= 0 || c.API.RateLimit.Window <= 0) {
		return fmt.Errorf("%w: rate limit capacity and window must be positive", ErrConfiguration)
	}
	return nil
}

// splitList parses a comma separated setting, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
