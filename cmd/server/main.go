// Command server starts the image-indexer HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/image-indexer/internal/adapter/embedding/clip"
	"github.com/fairyhunter13/image-indexer/internal/adapter/embedding/stub"
	httpserver "github.com/fairyhunter13/image-indexer/internal/adapter/httpserver"
	"github.com/fairyhunter13/image-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/image-indexer/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/image-indexer/internal/adapter/store/redisstore"
	qdrantcli "github.com/fairyhunter13/image-indexer/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/image-indexer/internal/app"
	"github.com/fairyhunter13/image-indexer/internal/config"
	"github.com/fairyhunter13/image-indexer/internal/domain"
	"github.com/fairyhunter13/image-indexer/internal/staging"
	"github.com/fairyhunter13/image-indexer/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics once per process.
	observability.InitMetrics()

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

	// The store backs both the pending list and the job records. Startup
	// does not hard-require it: the submission path degrades to synchronous
	// indexing while the store is down.
	store, err := redisstore.New(ctx, cfg.StoreURL)
	if store == nil {
		slog.Error("invalid store url", slog.String("url", cfg.StoreURL), slog.Any("error", err))
		os.Exit(1)
	}
	if err != nil {
		slog.Warn("store unreachable, submissions will fall back to synchronous indexing",
			slog.String("url", cfg.StoreURL), slog.Any("error", err))
	}
	defer func() { _ = store.Close() }()

	queue := redisq.NewManager(store, cfg.JobTTL)

	vectors := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection)
	if err := vectors.EnsureCollection(ctx, cfg.EmbeddingDim, cfg.VectorDistance); err != nil {
		slog.Error("qdrant collection bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	var embedder domain.Embedder
	var embedClient *clip.Client
	if cfg.EmbeddingURL != "" {
		embedClient = clip.New(cfg.EmbeddingURL, cfg.EmbeddingDim, cfg.EmbeddingTimeout)
		embedder = embedClient
		slog.Info("embedding service configured", slog.String("url", cfg.EmbeddingURL), slog.Int("dim", cfg.EmbeddingDim))
	} else {
		embedder = stub.New(cfg.EmbeddingDim)
		slog.Info("embedding url not set; using deterministic stub embedder", slog.Int("dim", cfg.EmbeddingDim))
	}

	stagingDir, err := staging.New(cfg.StagingDir)
	if err != nil {
		slog.Error("staging dir setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	indexSvc := usecase.NewIndexService(queue, embedder, vectors, stagingDir)
	querySvc := usecase.NewQueryService(queue, queue)

	storeCheck, qdrantCheck, embedderCheck := app.BuildReadinessChecks(store, vectors, embedClient)
	srv := httpserver.NewServer(cfg, indexSvc, querySvc, storeCheck, qdrantCheck, embedderCheck)
	handler := app.BuildRouter(cfg, srv)

	// Background retention sweeps.
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go app.NewJanitor(queue, cfg.JobRetention, cfg.CleanupInterval).Run(janitorCtx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
