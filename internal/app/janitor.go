package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/image-indexer/internal/adapter/queue/redisq"
)

// Janitor periodically removes terminal job records older than the retention
// window. Records also carry their own TTL; the janitor keeps long-retention
// deployments from accumulating terminal records within it.
type Janitor struct {
	queue     *redisq.Manager
	retention time.Duration
	interval  time.Duration
}

// NewJanitor constructs a Janitor. Non-positive durations select the
// defaults: 7 days retention, daily sweeps.
func NewJanitor(queue *redisq.Manager, retention, interval time.Duration) *Janitor {
	if queue == nil {
		return nil
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Janitor{queue: queue, retention: retention, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopping")
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.janitor")
	ctx, span := tracer.Start(ctx, "Janitor.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.retention_seconds", j.retention.Seconds()))

	deleted, err := j.queue.Cleanup(ctx, j.retention)
	if err != nil {
		span.RecordError(err)
		slog.Error("janitor sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.deleted", deleted))
	if deleted > 0 {
		slog.Info("janitor swept terminal jobs", slog.Int("deleted", deleted))
	}
}
