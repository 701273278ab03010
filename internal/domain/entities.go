// Package domain holds the core entities and ports of the image-indexing
// pipeline: the job record, its lifecycle statuses, and the capability
// interfaces implemented by adapters.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrEmbeddingFailed   = errors.New("embedding failed")
	ErrVectorStoreFailed = errors.New("vector store failed")
	ErrRetryExhausted    = errors.New("retry exhausted")
	ErrInternal          = errors.New("internal error")
)

// JobStatus enumerates the lifecycle states of an indexing job.
type JobStatus string

// Job lifecycle states. Completed and Failed are terminal; Failed becomes
// absolutely terminal once retry_count reaches max_retries.
const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition applies.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// CanTransitionTo reports whether the transition s -> next is legal.
// Same-status writes are permitted so that status updates stay idempotent.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case JobQueued:
		return next == JobProcessing || next == JobFailed
	case JobProcessing:
		return next == JobCompleted || next == JobFailed
	case JobFailed:
		// Operator retry re-queues a failed job.
		return next == JobQueued
	case JobCompleted:
		return false
	}
	return false
}

// DefaultMaxRetries is the queue-level retry budget fixed at job creation.
const DefaultMaxRetries = 3

// Job is one unit of image-indexing work. The image payload itself is never
// stored in the record; ImageRef points at the staged file.
type Job struct {
	ID           string
	ProductID    string
	ImageRef     string
	Name         string
	Description  string
	Metadata     map[string]any
	Status       JobStatus
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ErrorMessage string
}

// Retryable reports whether an operator retry may re-queue the job.
func (j Job) Retryable() bool {
	return j.Status == JobFailed && j.RetryCount < j.MaxRetries
}

// WorkerHeartbeat is the periodic liveness record a worker publishes. The
// record carries a short TTL so crashed workers disappear on their own.
type WorkerHeartbeat struct {
	WorkerID       string
	Status         string
	TasksProcessed int64
	TasksFailed    int64
	LastSeen       time.Time
}

// Worker heartbeat statuses.
const (
	WorkerRunning = "running"
	WorkerStopped = "stopped"
)

// QueueStats aggregates job counts by status plus the pending list depth.
type QueueStats struct {
	Available  bool
	Pending    int64
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Total      int
	Timestamp  time.Time
}

// Ports

// JobQueue is the write-side port used by the submission path and the retry
// endpoint.
type JobQueue interface {
	Enqueue(ctx context.Context, j Job) error
	Retry(ctx context.Context, jobID string) (bool, error)
	Available(ctx context.Context) bool
}

// JobTracker is the read-only port backing the observability endpoints.
type JobTracker interface {
	Status(ctx context.Context, jobID string) (Job, error)
	Stats(ctx context.Context) (QueueStats, error)
	Workers(ctx context.Context) ([]WorkerHeartbeat, error)
}

// Embedder turns raw image bytes into a fixed-dimension vector.
type Embedder interface {
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
	Dimension() int
}

// SearchHit is one similarity-search result from the vector store.
type SearchHit struct {
	ID      any
	Score   float64
	Payload map[string]any
}

// VectorStore is the upsert-by-id + similarity-search collaborator.
type VectorStore interface {
	Upsert(ctx context.Context, productID string, vector []float32, payload map[string]any) error
	Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error)
}
