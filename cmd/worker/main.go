// Command worker drains the indexing queue: it pulls pending jobs, runs the
// embedding + vector-store pipeline, and publishes heartbeats. Flags override
// their matching environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/image-indexer/internal/adapter/embedding/clip"
	"github.com/fairyhunter13/image-indexer/internal/adapter/embedding/stub"
	"github.com/fairyhunter13/image-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/image-indexer/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/image-indexer/internal/adapter/store/redisstore"
	qdrantcli "github.com/fairyhunter13/image-indexer/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/image-indexer/internal/config"
	"github.com/fairyhunter13/image-indexer/internal/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Flags default to the env-derived values; whatever is set on the
	// command line wins.
	workerID := flag.String("worker-id", cfg.WorkerID, "unique worker identifier (required)")
	storeURL := flag.String("store-url", cfg.StoreURL, "store connection URL")
	pollInterval := flag.Duration("poll-interval", cfg.PollInterval, "sleep between empty polls")
	batchSize := flag.Int("batch-size", cfg.BatchSize, "jobs pulled per batch")
	taskTimeout := flag.Duration("task-timeout", cfg.TaskTimeout, "per-job processing deadline")
	flag.Parse()

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if *workerID == "" {
		slog.Error("worker id required: pass --worker-id or set WORKER_ID")
		os.Exit(1)
	}

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.WorkerMetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	store, err := redisstore.New(ctx, *storeURL)
	if err != nil {
		// Unlike the API server, a worker without its queue has nothing to
		// do; fail fast and let the supervisor restart it.
		slog.Error("store connect failed", slog.String("url", *storeURL), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	queue := redisq.NewManager(store, cfg.JobTTL)

	vectors := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection)
	if err := vectors.EnsureCollection(ctx, cfg.EmbeddingDim, cfg.VectorDistance); err != nil {
		slog.Error("qdrant collection bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	var embedder domain.Embedder
	if cfg.EmbeddingURL != "" {
		embedder = clip.New(cfg.EmbeddingURL, cfg.EmbeddingDim, cfg.EmbeddingTimeout)
	} else {
		embedder = stub.New(cfg.EmbeddingDim)
		slog.Info("embedding url not set; using deterministic stub embedder")
	}

	attempts, base, maxBackoff, multiplier := cfg.EmbedRetry()
	worker, err := redisq.NewWorker(queue, embedder, vectors, redisq.WorkerConfig{
		WorkerID:             *workerID,
		PollInterval:         *pollInterval,
		DequeueBlock:         cfg.DequeueBlock,
		BatchSize:            *batchSize,
		TaskTimeout:          *taskTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		EmbedRetryAttempts:   attempts,
		EmbedRetryBase:       base,
		EmbedRetryMax:        maxBackoff,
		EmbedRetryMultiplier: multiplier,
	})
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	start := time.Now()
	if err := worker.Run(runCtx); err != nil {
		slog.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker shut down cleanly",
		slog.Duration("uptime", time.Since(start)),
		slog.Int64("tasks_processed", worker.TasksProcessed()),
		slog.Int64("tasks_failed", worker.TasksFailed()))
}
