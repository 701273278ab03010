package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/image-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/image-indexer/internal/domain"
	"github.com/fairyhunter13/image-indexer/internal/staging"
)

// WorkerConfig tunes the drain loop. Zero values select the defaults.
type WorkerConfig struct {
	WorkerID          string
	PollInterval      time.Duration // sleep after an empty batch
	DequeueBlock      time.Duration // BLPOP timeout per dequeue
	BatchSize         int
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration

	// Embedding retry within a single processing attempt.
	EmbedRetryAttempts   int
	EmbedRetryBase       time.Duration
	EmbedRetryMax        time.Duration
	EmbedRetryMultiplier float64
}

func (c *WorkerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DequeueBlock <= 0 {
		c.DequeueBlock = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 300 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.EmbedRetryAttempts <= 0 {
		c.EmbedRetryAttempts = 3
	}
	if c.EmbedRetryBase <= 0 {
		c.EmbedRetryBase = 2 * time.Second
	}
	if c.EmbedRetryMax <= 0 {
		c.EmbedRetryMax = 10 * time.Second
	}
	if c.EmbedRetryMultiplier <= 0 {
		c.EmbedRetryMultiplier = 1.0
	}
}

// Worker drains the pending list, runs the embedding + vector-store pipeline
// for each job, and publishes TTL-bounded heartbeats. Within a batch, jobs
// run in parallel; across batches the worker is sequential.
type Worker struct {
	queue   *Manager
	embed   domain.Embedder
	vectors domain.VectorStore
	cfg     WorkerConfig

	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64
}

// NewWorker constructs a Worker. WorkerID is required.
func NewWorker(queue *Manager, embed domain.Embedder, vectors domain.VectorStore, cfg WorkerConfig) (*Worker, error) {
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker id required", domain.ErrInvalidArgument)
	}
	if queue == nil || embed == nil || vectors == nil {
		return nil, fmt.Errorf("%w: queue, embedder and vector store required", domain.ErrInvalidArgument)
	}
	cfg.applyDefaults()
	return &Worker{queue: queue, embed: embed, vectors: vectors, cfg: cfg}, nil
}

// TasksProcessed returns the number of successfully processed jobs.
func (w *Worker) TasksProcessed() int64 { return w.tasksProcessed.Load() }

// TasksFailed returns the number of failed jobs.
func (w *Worker) TasksFailed() int64 { return w.tasksFailed.Load() }

// Run executes the worker loop until ctx is cancelled. The batch in flight
// when cancellation arrives is finished (bounded by TaskTimeout) and a final
// stopped heartbeat is published before returning.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker starting",
		slog.String("worker_id", w.cfg.WorkerID),
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Int("batch_size", w.cfg.BatchSize),
		slog.Duration("task_timeout", w.cfg.TaskTimeout))

	w.publishHeartbeat(ctx, domain.WorkerRunning)

	// The ticker runs beside the drain loop, not inside it: a batch may hold
	// the loop for up to TaskTimeout, which outlives the heartbeat TTL.
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				w.publishHeartbeat(ctx, domain.WorkerRunning)
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			hbWG.Wait()
			w.stop()
			return nil
		}
		n := w.runBatch(ctx)
		if n == 0 {
			select {
			case <-ctx.Done():
				hbWG.Wait()
				w.stop()
				return nil
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

func (w *Worker) stop() {
	// The run context is gone; give the final heartbeat its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.publishHeartbeat(ctx, domain.WorkerStopped)
	slog.Info("worker stopped",
		slog.String("worker_id", w.cfg.WorkerID),
		slog.Int64("tasks_processed", w.tasksProcessed.Load()),
		slog.Int64("tasks_failed", w.tasksFailed.Load()))
}

// runBatch drains up to BatchSize jobs and processes them concurrently,
// returning how many jobs were picked up.
func (w *Worker) runBatch(ctx context.Context) int {
	jobs := w.drainBatch(ctx)
	if len(jobs) == 0 {
		return 0
	}
	slog.Debug("processing batch", slog.String("worker_id", w.cfg.WorkerID), slog.Int("jobs", len(jobs)))

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(job domain.Job) {
			defer wg.Done()
			w.processOne(ctx, job)
		}(j)
	}
	wg.Wait()
	return len(jobs)
}

func (w *Worker) drainBatch(ctx context.Context) []domain.Job {
	jobs := make([]domain.Job, 0, w.cfg.BatchSize)
	for len(jobs) < w.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		j, ok, err := w.queue.Dequeue(ctx, w.cfg.DequeueBlock)
		if err != nil {
			slog.Error("dequeue failed", slog.String("worker_id", w.cfg.WorkerID), slog.Any("error", err))
			break
		}
		if !ok {
			break
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// processOne runs the pipeline for a single job under TaskTimeout and writes
// the terminal status. Every error path becomes a status update; nothing
// propagates back into the drain loop. The staged image is always discarded
// on a terminal transition.
func (w *Worker) processOne(ctx context.Context, job domain.Job) {
	tracer := otel.Tracer("queue.worker")
	// Detach from run-loop cancellation so an in-flight job finishes its
	// batch during shutdown, still bounded by the task timeout.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.TaskTimeout)
	defer cancel()
	taskCtx, span := tracer.Start(taskCtx, "ProcessIndexJob")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.product_id", job.ProductID),
	)
	defer span.End()

	err := w.process(taskCtx, job)
	staging.Discard(job.ImageRef)

	// The task context may have expired (that is one of the failure modes);
	// the terminal status write gets its own deadline.
	statusCtx, statusCancel := context.WithTimeout(context.WithoutCancel(taskCtx), 5*time.Second)
	defer statusCancel()

	if err == nil {
		if _, uerr := w.queue.UpdateStatus(statusCtx, job.ID, domain.JobCompleted, ""); uerr != nil {
			slog.Error("failed to mark job completed", slog.String("job_id", job.ID), slog.Any("error", uerr))
		}
		w.tasksProcessed.Add(1)
		slog.Info("job completed", slog.String("job_id", job.ID), slog.String("product_id", job.ProductID))
		return
	}

	span.RecordError(err)
	reason := failureReason(err)
	if _, uerr := w.queue.UpdateStatus(statusCtx, job.ID, domain.JobFailed, reason); uerr != nil {
		slog.Error("failed to mark job failed", slog.String("job_id", job.ID), slog.Any("error", uerr))
	}
	w.tasksFailed.Add(1)
	slog.Error("job failed",
		slog.String("job_id", job.ID),
		slog.String("product_id", job.ProductID),
		slog.String("reason", reason),
		slog.Any("error", err))
}

// failureReason compresses an error chain into the short reason string stored
// on the record.
func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errImageUnreadable):
		return "image-unreadable"
	case errors.Is(err, domain.ErrEmbeddingFailed):
		return "embedding-failed: " + trim(err.Error(), 200)
	case errors.Is(err, domain.ErrVectorStoreFailed):
		return "vector-store-failed: " + trim(err.Error(), 200)
	default:
		return trim(err.Error(), 200)
	}
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var errImageUnreadable = errors.New("image unreadable")

// process runs the indexing pipeline: read the staged payload, embed with
// bounded retry, upsert into the vector store.
func (w *Worker) process(ctx context.Context, job domain.Job) error {
	data, err := staging.Read(job.ImageRef)
	if err != nil {
		return fmt.Errorf("%w: %s", errImageUnreadable, job.ImageRef)
	}

	vec, err := w.embedWithRetry(ctx, data)
	if err != nil {
		return err
	}

	payload := make(map[string]any, len(job.Metadata)+5)
	for k, v := range job.Metadata {
		payload[k] = v
	}
	payload["product_id"] = job.ProductID
	payload["name"] = job.Name
	payload["description"] = job.Description
	payload["has_image"] = true
	payload["indexed_at"] = time.Now().UTC().Format(time.RFC3339)

	start := time.Now()
	if err := w.vectors.Upsert(ctx, job.ProductID, vec, payload); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrVectorStoreFailed, err)
	}
	observability.ObserveVectorUpsert(time.Since(start))
	return nil
}

// embedWithRetry calls the embedding collaborator under the configured
// bounded exponential backoff. The final failure always propagates; it is
// never swallowed as success. The returned vector must match the declared
// dimension.
func (w *Worker) embedWithRetry(ctx context.Context, data []byte) ([]float32, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = w.cfg.EmbedRetryBase
	expo.MaxInterval = w.cfg.EmbedRetryMax
	expo.Multiplier = w.cfg.EmbedRetryMultiplier
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0

	var vec []float32
	attempt := 0
	op := func() error {
		attempt++
		start := time.Now()
		v, err := w.embed.EmbedImage(ctx, data)
		observability.ObserveEmbedding(time.Since(start))
		if err != nil {
			slog.Warn("embedding attempt failed",
				slog.String("worker_id", w.cfg.WorkerID),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			return err
		}
		if len(v) != w.embed.Dimension() {
			return backoff.Permanent(fmt.Errorf("embedding dimension %d, want %d", len(v), w.embed.Dimension()))
		}
		vec = v
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(w.cfg.EmbedRetryAttempts-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingFailed, err)
	}
	return vec, nil
}

func (w *Worker) publishHeartbeat(ctx context.Context, status string) {
	hb := domain.WorkerHeartbeat{
		WorkerID:       w.cfg.WorkerID,
		Status:         status,
		TasksProcessed: w.tasksProcessed.Load(),
		TasksFailed:    w.tasksFailed.Load(),
		LastSeen:       time.Now().UTC(),
	}
	if err := w.queue.PublishHeartbeat(ctx, hb); err != nil {
		slog.Error("heartbeat publish failed", slog.String("worker_id", w.cfg.WorkerID), slog.Any("error", err))
	}
}
