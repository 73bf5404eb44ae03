package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/media-jobs/internal/queue"
	"github.com/cuongbtq/media-jobs/internal/storage"
)

// ReconcilerConfig holds reconciler configuration
type ReconcilerConfig struct {
	Logger *slog.Logger
	Store  storage.Store
	Queue  queue.Queue

	// OrphanAfter is how long a queued job may sit untouched before it gets a new task.
	// It should exceed the longest expected queue wait.
	OrphanAfter time.Duration
	// StaleAfter matches the worker's stale-claim threshold; zero skips running jobs
	StaleAfter time.Duration
	BatchSize  int
}

// Reconciler re-enqueues jobs that exist in the store without a live task:
// a gateway that crashed between create and enqueue, or a running job whose
// worker died and whose task the broker no longer holds. Extra tasks are
// dropped by the claim.
type Reconciler struct {
	logger      *slog.Logger
	store       storage.Store
	queue       queue.Queue
	orphanAfter time.Duration
	staleAfter  time.Duration
	batchSize   int
}

// NewReconciler creates a reconciler
func NewReconciler(cfg *ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		logger:      cfg.Logger,
		store:       cfg.Store,
		queue:       cfg.Queue,
		orphanAfter: cfg.OrphanAfter,
		staleAfter:  cfg.StaleAfter,
		batchSize:   cfg.BatchSize,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	return r
}

// Reconcile enqueues one task per stranded job and returns how many were enqueued
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	jobs, err := r.store.ListStrandedJobs(ctx, r.orphanAfter, r.staleAfter, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stranded jobs: %w", err)
	}

	enqueued := 0
	for _, job := range jobs {
		if err := r.queue.Enqueue(ctx, job.ID); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue stranded job %s: %w", job.ID, err)
		}
		enqueued++
		r.logger.Warn("Re-enqueued stranded job",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
			slog.Int("attempt", job.AttemptCount),
			slog.Time("updated_at", job.UpdatedAt),
		)
	}

	if enqueued > 0 {
		r.logger.Info("Reconcile finished", slog.Int("enqueued", enqueued))
	}
	return enqueued, nil
}
