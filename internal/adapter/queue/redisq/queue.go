// Package redisq implements the job lifecycle protocol on top of the shared
// store: a pending list of job ids, one hash record per job, and TTL-bounded
// worker heartbeats. The Manager owns all key naming; workers and the HTTP
// surface only ever go through it.
package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/image-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/image-indexer/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/image-indexer/internal/domain"
)

// Key naming policy. Renaming any of these is a breaking change for records
// already persisted.
const (
	pendingKey      = "queue:pending"
	jobKeyPrefix    = "job:"
	workerKeyPrefix = "worker:"
)

// heartbeatTTL makes dead workers disappear without explicit cleanup.
const heartbeatTTL = 60 * time.Second

// DefaultJobTTL bounds every job record so abandoned records expire on their
// own; list entries carry no TTL.
const DefaultJobTTL = 24 * time.Hour

// Manager implements the queue protocol over a store client.
type Manager struct {
	store  *redisstore.Client
	jobTTL time.Duration
}

// NewManager constructs a Manager. A non-positive jobTTL selects the default.
func NewManager(store *redisstore.Client, jobTTL time.Duration) *Manager {
	if jobTTL <= 0 {
		jobTTL = DefaultJobTTL
	}
	return &Manager{store: store, jobTTL: jobTTL}
}

func jobKey(jobID string) string       { return jobKeyPrefix + jobID }
func workerKey(workerID string) string { return workerKeyPrefix + workerID }

// Available reports whether the store answered its most recent liveness probe.
func (m *Manager) Available(ctx context.Context) bool { return m.store.IsAvailable(ctx) }

// Enqueue persists the job record and then pushes its id onto the pending
// list. The record is written first so a dequeuing worker normally finds it;
// if the push fails the record expires on its own via the TTL.
func (m *Manager) Enqueue(ctx context.Context, j domain.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	key := jobKey(j.ID)
	if err := m.store.HashSet(ctx, key, j.Fields()); err != nil {
		return fmt.Errorf("op=queue.enqueue record: %w", err)
	}
	if err := m.store.Expire(ctx, key, m.jobTTL); err != nil {
		return fmt.Errorf("op=queue.enqueue expire: %w", err)
	}
	if err := m.store.ListPushRight(ctx, pendingKey, j.ID); err != nil {
		return fmt.Errorf("op=queue.enqueue push: %w", err)
	}
	observability.EnqueueJob()
	slog.Debug("job enqueued", slog.String("job_id", j.ID), slog.String("product_id", j.ProductID))
	return nil
}

// Dequeue blocks up to blockTimeout for the next pending job id, loads its
// record, and transitions it to processing. A missing record (expired or
// cleaned) is dropped silently; a record no longer in the queued state means
// a duplicate list entry and is skipped the same way. Both cases return
// ok=false with no error, exactly like an empty queue.
func (m *Manager) Dequeue(ctx context.Context, blockTimeout time.Duration) (domain.Job, bool, error) {
	id, ok, err := m.store.ListBlockPopLeft(ctx, pendingKey, blockTimeout)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.dequeue pop: %w", err)
	}
	if !ok {
		return domain.Job{}, false, nil
	}
	fields, err := m.store.HashGetAll(ctx, jobKey(id))
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.dequeue load: %w", err)
	}
	if len(fields) == 0 {
		slog.Warn("pending job record missing, dropping", slog.String("job_id", id))
		return domain.Job{}, false, nil
	}
	j, err := domain.JobFromFields(fields)
	if err != nil {
		slog.Warn("pending job record malformed, dropping", slog.String("job_id", id), slog.Any("error", err))
		return domain.Job{}, false, nil
	}
	if j.Status != domain.JobQueued {
		// Duplicate enqueue: another worker already owns this job.
		slog.Debug("skipping job not in queued state", slog.String("job_id", id), slog.String("status", string(j.Status)))
		return domain.Job{}, false, nil
	}
	j.Status = domain.JobProcessing
	j.UpdatedAt = time.Now().UTC()
	if err := m.store.HashSet(ctx, jobKey(id), map[string]any{
		"status":     string(j.Status),
		"updated_at": j.UpdatedAt.Format(time.RFC3339Nano),
	}); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.dequeue mark processing: %w", err)
	}
	if err := m.store.Expire(ctx, jobKey(id), m.jobTTL); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.dequeue expire: %w", err)
	}
	observability.StartProcessingJob()
	return j, true, nil
}

// UpdateStatus idempotently writes a new status, refreshing updated_at, the
// error message (empty clears it), and the record TTL. It returns false
// without error when the record is unknown or the transition is illegal.
func (m *Manager) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errorMessage string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, status)
	}
	fields, err := m.store.HashGetAll(ctx, jobKey(jobID))
	if err != nil {
		return false, fmt.Errorf("op=queue.updateStatus load: %w", err)
	}
	if len(fields) == 0 {
		return false, nil
	}
	cur := domain.JobStatus(fields["status"])
	if !cur.CanTransitionTo(status) {
		slog.Warn("refusing illegal status transition",
			slog.String("job_id", jobID),
			slog.String("from", string(cur)),
			slog.String("to", string(status)))
		return false, nil
	}
	if err := m.store.HashSet(ctx, jobKey(jobID), map[string]any{
		"status":        string(status),
		"updated_at":    time.Now().UTC().Format(time.RFC3339Nano),
		"error_message": errorMessage,
	}); err != nil {
		return false, fmt.Errorf("op=queue.updateStatus write: %w", err)
	}
	// The TTL restarts on every update so a live record never expires out
	// from under its own lifecycle.
	if err := m.store.Expire(ctx, jobKey(jobID), m.jobTTL); err != nil {
		return false, fmt.Errorf("op=queue.updateStatus expire: %w", err)
	}
	switch status {
	case domain.JobCompleted:
		observability.CompleteJob()
	case domain.JobFailed:
		observability.FailJob()
	}
	return true, nil
}

// Status loads a job record by id.
func (m *Manager) Status(ctx context.Context, jobID string) (domain.Job, error) {
	fields, err := m.store.HashGetAll(ctx, jobKey(jobID))
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.status: %w", err)
	}
	if len(fields) == 0 {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return domain.JobFromFields(fields)
}

// Retry re-queues a failed job: increments retry_count atomically, clears the
// error message, resets the status, and pushes the id back onto the pending
// list. Returns false when the job is unknown, not failed, or has exhausted
// its retry budget.
func (m *Manager) Retry(ctx context.Context, jobID string) (bool, error) {
	key := jobKey(jobID)
	fields, err := m.store.HashGetAll(ctx, key)
	if err != nil {
		return false, fmt.Errorf("op=queue.retry load: %w", err)
	}
	if len(fields) == 0 {
		return false, nil
	}
	if domain.JobStatus(fields["status"]) != domain.JobFailed {
		return false, nil
	}
	maxRetries, _ := strconv.Atoi(fields["max_retries"])
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	// The budget check rides on the HINCRBY result, not the read above, so
	// two concurrent retries cannot both pass on a stale count.
	attempt, err := m.store.HashIncrBy(ctx, key, "retry_count", 1)
	if err != nil {
		return false, fmt.Errorf("op=queue.retry incr: %w", err)
	}
	if attempt > int64(maxRetries) {
		if _, derr := m.store.HashIncrBy(ctx, key, "retry_count", -1); derr != nil {
			slog.Warn("retry budget rollback failed", slog.String("job_id", jobID), slog.Any("error", derr))
		}
		return false, nil
	}
	if err := m.store.HashSet(ctx, key, map[string]any{
		"status":        string(domain.JobQueued),
		"error_message": "",
		"updated_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return false, fmt.Errorf("op=queue.retry reset: %w", err)
	}
	if err := m.store.Expire(ctx, key, m.jobTTL); err != nil {
		return false, fmt.Errorf("op=queue.retry expire: %w", err)
	}
	if err := m.store.ListPushRight(ctx, pendingKey, jobID); err != nil {
		return false, fmt.Errorf("op=queue.retry push: %w", err)
	}
	slog.Info("job re-queued", slog.String("job_id", jobID), slog.Int64("attempt", attempt))
	return true, nil
}

// Stats scans all job records and aggregates counts by status. O(N records);
// intended for the observability endpoint, never the submission path.
func (m *Manager) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats := domain.QueueStats{Timestamp: time.Now().UTC()}
	if !m.Available(ctx) {
		return stats, nil
	}
	stats.Available = true
	keys, err := m.store.Scan(ctx, jobKeyPrefix+"*")
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats scan: %w", err)
	}
	for _, key := range keys {
		fields, err := m.store.HashGetAll(ctx, key)
		if err != nil {
			return domain.QueueStats{}, fmt.Errorf("op=queue.stats load: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		stats.Total++
		switch domain.JobStatus(fields["status"]) {
		case domain.JobQueued:
			stats.Queued++
		case domain.JobProcessing:
			stats.Processing++
		case domain.JobCompleted:
			stats.Completed++
		case domain.JobFailed:
			stats.Failed++
		}
	}
	if stats.Pending, err = m.store.ListLen(ctx, pendingKey); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats llen: %w", err)
	}
	observability.SetQueueDepth(stats.Pending)
	return stats, nil
}

// Cleanup deletes terminal records whose created_at is older than olderThan
// and returns how many were removed. Non-terminal records are never touched.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	keys, err := m.store.Scan(ctx, jobKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("op=queue.cleanup scan: %w", err)
	}
	deleted := 0
	for _, key := range keys {
		fields, err := m.store.HashGetAll(ctx, key)
		if err != nil {
			return deleted, fmt.Errorf("op=queue.cleanup load: %w", err)
		}
		if !domain.JobStatus(fields["status"]).Terminal() {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
		if err != nil {
			continue
		}
		if createdAt.Before(cutoff) {
			if err := m.store.Delete(ctx, key); err != nil {
				return deleted, fmt.Errorf("op=queue.cleanup delete: %w", err)
			}
			deleted++
		}
	}
	if deleted > 0 {
		slog.Info("cleaned up terminal jobs", slog.Int("deleted", deleted))
	}
	return deleted, nil
}

// PublishHeartbeat writes the worker heartbeat record with its TTL.
func (m *Manager) PublishHeartbeat(ctx context.Context, hb domain.WorkerHeartbeat) error {
	key := workerKey(hb.WorkerID)
	if err := m.store.HashSet(ctx, key, map[string]any{
		"worker_id":       hb.WorkerID,
		"status":          hb.Status,
		"tasks_processed": strconv.FormatInt(hb.TasksProcessed, 10),
		"tasks_failed":    strconv.FormatInt(hb.TasksFailed, 10),
		"last_seen":       hb.LastSeen.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return fmt.Errorf("op=queue.heartbeat write: %w", err)
	}
	if err := m.store.Expire(ctx, key, heartbeatTTL); err != nil {
		return fmt.Errorf("op=queue.heartbeat expire: %w", err)
	}
	return nil
}

// Workers scans heartbeat keys and returns the live workers. The TTL makes
// the listing self-cleaning.
func (m *Manager) Workers(ctx context.Context) ([]domain.WorkerHeartbeat, error) {
	keys, err := m.store.Scan(ctx, workerKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("op=queue.workers scan: %w", err)
	}
	out := make([]domain.WorkerHeartbeat, 0, len(keys))
	for _, key := range keys {
		fields, err := m.store.HashGetAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("op=queue.workers load: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		hb := domain.WorkerHeartbeat{
			WorkerID: fields["worker_id"],
			Status:   fields["status"],
		}
		hb.TasksProcessed, _ = strconv.ParseInt(fields["tasks_processed"], 10, 64)
		hb.TasksFailed, _ = strconv.ParseInt(fields["tasks_failed"], 10, 64)
		hb.LastSeen, _ = time.Parse(time.RFC3339Nano, fields["last_seen"])
		out = append(out, hb)
	}
	return out, nil
}
