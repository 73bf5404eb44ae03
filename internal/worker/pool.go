package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/media-jobs/internal/queue"
)

// spawnWorkerPool spawns N slot goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop of one slot. Slots share nothing
// but the store and the queue.
func (w *Worker) workerLoop(ctx context.Context, slot int) {
	defer w.wg.Done()

	logger := w.logger.With(slog.Int("slot", slot))
	logger.Debug("Worker slot started")

	failures := 0
	for {
		if ctx.Err() != nil {
			logger.Debug("Worker slot stopping - context canceled")
			return
		}

		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				logger.Debug("Worker slot stopping", slog.String("reason", err.Error()))
				return
			}

			failures++
			delay := w.dequeueBackoff.Delay(failures)
			logger.Error("Failed to dequeue task",
				slog.String("error", err.Error()),
				slog.Duration("retry_after", delay),
			)
			if sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		failures = 0

		if task == nil {
			continue
		}

		w.active.Add(1)
		w.processTask(ctx, logger, slot, task)
		w.active.Add(-1)
	}
}

// ack removes the task after its outcome is durable
func (w *Worker) ack(ctx context.Context, logger *slog.Logger, task *queue.Task) {
	ctx, cancel := w.finalContext(ctx)
	defer cancel()

	if err := w.queue.Ack(ctx, task); err != nil {
		logger.Error("Failed to ACK task",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// nack returns the task for redelivery
func (w *Worker) nack(ctx context.Context, logger *slog.Logger, task *queue.Task) {
	ctx, cancel := w.finalContext(ctx)
	defer cancel()

	if err := w.queue.Nack(ctx, task); err != nil {
		logger.Error("Failed to NACK task",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// finalContext detaches from shutdown so outcomes and acks still land
func (w *Worker) finalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.writeTimeout)
}
