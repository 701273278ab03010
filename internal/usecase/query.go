package usecase

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/image-indexer/internal/domain"
)

// QueryService serves the job-status, stats, worker-listing, and operator
// retry operations.
type QueryService struct {
	Tracker domain.JobTracker
	Queue   domain.JobQueue
}

// NewQueryService constructs a QueryService with its dependencies.
func NewQueryService(t domain.JobTracker, q domain.JobQueue) QueryService {
	return QueryService{Tracker: t, Queue: q}
}

// Status returns the job record for jobID.
func (s QueryService) Status(ctx context.Context, jobID string) (domain.Job, error) {
	if jobID == "" {
		return domain.Job{}, fmt.Errorf("%w: job id required", domain.ErrInvalidArgument)
	}
	return s.Tracker.Status(ctx, jobID)
}

// Stats returns aggregate queue counters.
func (s QueryService) Stats(ctx context.Context) (domain.QueueStats, error) {
	return s.Tracker.Stats(ctx)
}

// Workers returns the currently live worker heartbeats.
func (s QueryService) Workers(ctx context.Context) ([]domain.WorkerHeartbeat, error) {
	return s.Tracker.Workers(ctx)
}

// Retry re-queues a failed job on behalf of an operator. The error explains
// why a job cannot be retried: unknown, not failed, or budget exhausted.
func (s QueryService) Retry(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id required", domain.ErrInvalidArgument)
	}
	j, err := s.Tracker.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != domain.JobFailed {
		return fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", domain.ErrInvalidArgument, jobID, j.Status)
	}
	if j.RetryCount >= j.MaxRetries {
		return fmt.Errorf("%w: job %s used %d of %d retries", domain.ErrRetryExhausted, jobID, j.RetryCount, j.MaxRetries)
	}
	ok, err := s.Queue.Retry(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		// The record moved between the read and the retry.
		return fmt.Errorf("%w: job %s changed state concurrently", domain.ErrConflict, jobID)
	}
	return nil
}
