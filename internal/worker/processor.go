package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/media-jobs/internal/domain"
	"github.com/cuongbtq/media-jobs/internal/engine"
	"github.com/cuongbtq/media-jobs/internal/queue"
	"github.com/cuongbtq/media-jobs/internal/storage"
	"github.com/google/uuid"
)

var errHardTimeout = errors.New("hard deadline exceeded")

type outcomeKind int

const (
	outcomeFinished outcomeKind = iota
	outcomeHardTimeout
	outcomeShutdown
)

type execResult struct {
	kind      outcomeKind
	result    string
	err       error
	claimLost bool
}

func (r execResult) label() string {
	switch {
	case r.kind == outcomeHardTimeout:
		return "hard_timeout"
	case r.kind == outcomeShutdown:
		return "shutdown"
	case r.err == nil:
		return "success"
	case engine.IsPermanent(r.err):
		return "permanent"
	default:
		return "transient"
	}
}

// processTask claims the job named by task, runs the engine and records the
// outcome before acking. Every path ends in exactly one ack or nack.
func (w *Worker) processTask(ctx context.Context, logger *slog.Logger, slot int, task *queue.Task) {
	logger = logger.With(
		slog.String("job_id", task.JobID),
		slog.String("task_id", task.ID),
		slog.Int("delivery", task.Deliveries),
	)
	owner := fmt.Sprintf("%s-%d:%s", w.workerID, slot, uuid.NewString())

	claim, err := w.claim(ctx, logger, task.JobID, owner)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound),
			errors.Is(err, domain.ErrJobTerminal),
			errors.Is(err, domain.ErrJobAlreadyClaimed):
			logger.Info("Dropping task",
				slog.String("reason", err.Error()),
			)
			w.metrics.event(ctx, EventDropped)
			w.ack(ctx, logger, task)
		default:
			logger.Error("Failed to claim job",
				slog.String("error", err.Error()),
			)
			w.nack(ctx, logger, task)
		}
		return
	}

	job := claim.Job
	logger = logger.With(slog.String("owner", owner))
	w.metrics.event(ctx, EventClaimed)

	if claim.Reclaimed {
		logger.Warn("StaleClaim: took over job from unresponsive worker",
			slog.String("previous_owner", claim.PreviousOwner),
			slog.Int("attempt", job.AttemptCount),
		)
		w.metrics.event(ctx, EventReclaimed)
	}
	logTransition(logger, claim.PreviousStatus, domain.JobStatusRunning, job.AttemptCount)

	// a previous owner crashed on the final attempt
	if job.AttemptCount > job.MaxAttempts {
		msg := job.LastError
		if msg == "" {
			msg = fmt.Sprintf("no attempt finished within %d attempts", job.MaxAttempts)
		}
		w.fail(ctx, logger, task, job, owner, domain.JobError{
			Kind:    domain.ErrorKindRetriesExhausted,
			Message: msg,
		})
		return
	}

	res := w.execute(ctx, logger, job, owner)
	if res.claimLost {
		logger.Warn("Claim lost during processing, outcome discarded",
			slog.Int("attempt", job.AttemptCount),
		)
		w.ack(ctx, logger, task)
		return
	}

	switch {
	case res.kind == outcomeHardTimeout:
		logger.Warn("Hard deadline exceeded, releasing job",
			slog.Duration("hard_timeout", w.hardTimeout),
			slog.Int("attempt", job.AttemptCount),
		)
		w.release(ctx, logger, task, job, owner, errHardTimeout.Error(), false)

	case res.kind == outcomeShutdown:
		logger.Info("Worker shutting down, releasing job",
			slog.Int("attempt", job.AttemptCount),
		)
		w.release(ctx, logger, task, job, owner, "worker shut down during processing", true)

	case res.err == nil:
		w.complete(ctx, logger, task, job, owner, res.result)

	case engine.IsPermanent(res.err):
		w.fail(ctx, logger, task, job, owner, domain.JobError{
			Kind:    domain.ErrorKindPermanentEngine,
			Message: engine.Message(res.err),
		})

	case job.AttemptCount >= job.MaxAttempts:
		w.fail(ctx, logger, task, job, owner, domain.JobError{
			Kind:    domain.ErrorKindRetriesExhausted,
			Message: engine.Message(res.err),
		})

	default:
		logger.Warn("Transient engine failure, job will be retried",
			slog.String("error", res.err.Error()),
			slog.Int("attempt", job.AttemptCount),
			slog.Int("max_attempts", job.MaxAttempts),
		)
		w.metrics.event(ctx, EventRetried)
		w.release(ctx, logger, task, job, owner, engine.Message(res.err), false)
	}
}

// claim retries while the store is unavailable; it gives up only on shutdown
func (w *Worker) claim(ctx context.Context, logger *slog.Logger, jobID, owner string) (*storage.ClaimResult, error) {
	var res *storage.ClaimResult
	err := w.retryUnavailable(ctx, logger, "claim", func(ctx context.Context) error {
		var err error
		res, err = w.store.ClaimJob(ctx, jobID, owner, w.staleAfter)
		return err
	})
	return res, err
}

// execute runs the engine under the soft deadline while the pool watches the
// hard deadline and the heartbeat watches the claim.
func (w *Worker) execute(ctx context.Context, logger *slog.Logger, job *domain.Job, owner string) execResult {
	var (
		engineCtx    context.Context
		cancelEngine context.CancelFunc
	)
	if w.softTimeout > 0 {
		engineCtx, cancelEngine = context.WithTimeout(ctx, w.softTimeout)
	} else {
		engineCtx, cancelEngine = context.WithCancel(ctx)
	}
	defer cancelEngine()

	var lost atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(hbCtx, logger, job.ID, owner, &lost, cancelEngine)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	var hard <-chan time.Time
	if w.hardTimeout > 0 {
		t := time.NewTimer(w.hardTimeout)
		defer t.Stop()
		hard = t.C
	}

	logger.Info("Executing job",
		slog.String("engine", job.Parameters.Engine),
		slog.Int("attempt", job.AttemptCount),
	)

	started := time.Now()
	done := make(chan execResult, 1)
	go func() {
		result, err := w.engine.Process(engineCtx, job.ArtifactRef, job.Parameters)
		done <- execResult{result: result, err: err}
	}()

	var res execResult
	select {
	case res = <-done:
		if res.err != nil && ctx.Err() != nil {
			res.kind = outcomeShutdown
		}
	case <-hard:
		cancelEngine()
		res = execResult{kind: outcomeHardTimeout, err: errHardTimeout}
	case <-ctx.Done():
		cancelEngine()
		res = execResult{kind: outcomeShutdown, err: ctx.Err()}
	}

	res.claimLost = lost.Load()
	w.metrics.engineDuration(ctx, time.Since(started), res.label())
	return res
}

// heartbeat refreshes the claim; losing it cancels the engine call
func (w *Worker) heartbeat(ctx context.Context, logger *slog.Logger, jobID, owner string, lost *atomic.Bool, cancelEngine context.CancelFunc) {
	if w.heartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.HeartbeatJob(ctx, jobID, owner)
			switch {
			case err == nil:
				logger.Debug("Job heartbeat updated")
			case errors.Is(err, domain.ErrClaimLost):
				logger.Warn("Job heartbeat found claim lost, cancelling engine")
				lost.Store(true)
				cancelEngine()
				return
			case ctx.Err() != nil:
				return
			default:
				logger.Warn("Failed to update job heartbeat",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (w *Worker) complete(ctx context.Context, logger *slog.Logger, task *queue.Task, job *domain.Job, owner, result string) {
	err := w.write(ctx, logger, "complete", func(ctx context.Context) error {
		return w.store.CompleteJob(ctx, job.ID, owner, result)
	})
	w.settle(ctx, logger, task, job, domain.JobStatusCompleted, err, EventCompleted)
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, task *queue.Task, job *domain.Job, owner string, jobErr domain.JobError) {
	err := w.write(ctx, logger, "fail", func(ctx context.Context) error {
		return w.store.FailJob(ctx, job.ID, owner, jobErr)
	})
	if err == nil {
		logger.Warn("Job failed",
			slog.String("error_kind", string(jobErr.Kind)),
			slog.String("error", jobErr.Message),
		)
	}
	w.settle(ctx, logger, task, job, domain.JobStatusFailed, err, EventFailed)
}

// release requeues the job; refundAttempt gives back the attempt when the
// engine never produced an outcome of its own.
func (w *Worker) release(ctx context.Context, logger *slog.Logger, task *queue.Task, job *domain.Job, owner, lastError string, refundAttempt bool) {
	err := w.write(ctx, logger, "release", func(ctx context.Context) error {
		return w.store.ReleaseJob(ctx, job.ID, owner, lastError, refundAttempt)
	})
	w.settle(ctx, logger, task, job, domain.JobStatusQueued, err, EventReleased)
}

// settle acks or nacks after a write. Terminal outcomes are acked, releases are
// nacked, and an outcome that never became durable is nacked for redelivery.
func (w *Worker) settle(ctx context.Context, logger *slog.Logger, task *queue.Task, job *domain.Job, to domain.Status, err error, event string) {
	switch {
	case err == nil:
		logTransition(logger, domain.JobStatusRunning, to, job.AttemptCount)
		w.metrics.event(ctx, event)
		if to.IsTerminal() {
			w.ack(ctx, logger, task)
		} else {
			w.nack(ctx, logger, task)
		}

	case errors.Is(err, domain.ErrClaimLost):
		logger.Warn("Claim lost before outcome was recorded, dropping task",
			slog.String("status", string(to)),
			slog.Int("attempt", job.AttemptCount),
		)
		w.metrics.event(ctx, EventDropped)
		w.ack(ctx, logger, task)

	default:
		logger.Error("Failed to record job outcome",
			slog.String("status", string(to)),
			slog.String("error", err.Error()),
		)
		w.nack(ctx, logger, task)
	}
}

// write records an outcome; it outlives shutdown up to the write timeout
func (w *Worker) write(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	ctx, cancel := w.finalContext(ctx)
	defer cancel()
	return w.retryUnavailable(ctx, logger, op, fn)
}

// retryUnavailable backs off while the store reports ErrStoreUnavailable
func (w *Worker) retryUnavailable(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, domain.ErrStoreUnavailable) {
			return err
		}

		delay := w.storeBackoff.Delay(attempt)
		logger.Warn("Job store unavailable, backing off",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()),
		)
		if sleep(ctx, delay) != nil {
			return err
		}
	}
}

func logTransition(logger *slog.Logger, from, to domain.Status, attempt int) {
	logger.Info("Job transitioned",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("attempt", attempt),
	)
}
