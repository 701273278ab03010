// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
// Worker CLI flags mirror the WORKER_* / STORE_URL / TASK_TIMEOUT variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`
	// StoreURL is the Redis connection URL backing the job queue and records.
	StoreURL string `env:"STORE_URL" envDefault:"redis://localhost:6379/0"`

	QdrantURL        string `env:"QDRANT_URL" envDefault:"http://localhost:6333"`
	QdrantAPIKey     string `env:"QDRANT_API_KEY"`
	QdrantCollection string `env:"QDRANT_COLLECTION" envDefault:"products"`

	// EmbeddingURL points at the embedding sidecar. Empty selects the
	// deterministic in-process embedder (dev and tests).
	EmbeddingURL     string        `env:"EMBEDDING_URL"`
	EmbeddingDim     int           `env:"EMBEDDING_DIM" envDefault:"512"`
	EmbeddingTimeout time.Duration `env:"EMBEDDING_TIMEOUT" envDefault:"30s"`
	VectorDistance   string        `env:"VECTOR_DISTANCE" envDefault:"Cosine"`
	SearchTopK       int           `env:"SEARCH_TOP_K" envDefault:"10"`

	StagingDir  string `env:"STAGING_DIR"`
	MaxUploadMB int64  `env:"MAX_UPLOAD_MB" envDefault:"10"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"image-indexer"`

	// Worker settings. WorkerID has no default: it must be unique per
	// process and is normally supplied via --worker-id.
	WorkerID          string        `env:"WORKER_ID"`
	PollInterval      time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	BatchSize         int           `env:"WORKER_BATCH_SIZE" envDefault:"1"`
	TaskTimeout       time.Duration `env:"TASK_TIMEOUT" envDefault:"300s"`
	HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"30s"`
	DequeueBlock      time.Duration `env:"WORKER_DEQUEUE_BLOCK" envDefault:"1s"`
	WorkerMetricsPort int           `env:"WORKER_METRICS_PORT" envDefault:"9090"`

	// Embedding retry: bounded backoff applied within a single processing
	// attempt, distinct from the queue-level retry budget.
	EmbedRetryAttempts   int           `env:"EMBED_RETRY_ATTEMPTS" envDefault:"3"`
	EmbedRetryBase       time.Duration `env:"EMBED_RETRY_BASE" envDefault:"2s"`
	EmbedRetryMax        time.Duration `env:"EMBED_RETRY_MAX" envDefault:"10s"`
	EmbedRetryMultiplier float64       `env:"EMBED_RETRY_MULTIPLIER" envDefault:"1.0"`

	// Record retention. JobTTL bounds every record; the janitor removes
	// terminal records older than JobRetention.
	JobTTL          time.Duration `env:"JOB_TTL" envDefault:"24h"`
	JobRetention    time.Duration `env:"JOB_RETENTION" envDefault:"168h"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// SlogLevel maps the LOG_LEVEL string to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EmbedRetry returns the embedding backoff parameters, shortened in test
// environments so failure paths do not slow the suite down.
func (c Config) EmbedRetry() (attempts int, base, max time.Duration, multiplier float64) {
	if c.IsTest() {
		return c.EmbedRetryAttempts, 10 * time.Millisecond, 50 * time.Millisecond, 2.0
	}
	return c.EmbedRetryAttempts, c.EmbedRetryBase, c.EmbedRetryMax, c.EmbedRetryMultiplier
}
