// Package worker runs the bounded pool that turns queued tasks into terminal jobs.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/media-jobs/internal/engine"
	"github.com/cuongbtq/media-jobs/internal/queue"
	"github.com/cuongbtq/media-jobs/internal/storage"
	"go.opentelemetry.io/otel/metric"
)

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Store    storage.Store
	Queue    queue.Queue
	Engine   engine.Engine
	WorkerID string

	Concurrency int
	// SoftTimeout is the engine's deadline; HardTimeout is when the pool gives up on the slot.
	SoftTimeout time.Duration
	HardTimeout time.Duration
	// StaleAfter is how long a claim may go without a heartbeat before another worker may take it.
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	// WriteTimeout bounds the final store write and ack, which outlive shutdown.
	WriteTimeout time.Duration

	StoreBackoff   BackoffStrategy
	DequeueBackoff BackoffStrategy
	// Meter defaults to the global meter provider
	Meter metric.Meter
}

// Worker represents the background job worker
type Worker struct {
	logger   *slog.Logger
	store    storage.Store
	queue    queue.Queue
	engine   engine.Engine
	workerID string

	concurrency       int
	softTimeout       time.Duration
	hardTimeout       time.Duration
	staleAfter        time.Duration
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	storeBackoff      BackoffStrategy
	dequeueBackoff    BackoffStrategy

	metrics *Metrics
	active  atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// Stats is a liveness snapshot of the pool
type Stats struct {
	WorkerID    string `json:"worker_id"`
	ActiveSlots int    `json:"active_slots"`
	Concurrency int    `json:"concurrency"`
	QueueDepth  int64  `json:"queue_depth"`
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	w := &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		queue:             cfg.Queue,
		engine:            cfg.Engine,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		softTimeout:       cfg.SoftTimeout,
		hardTimeout:       cfg.HardTimeout,
		staleAfter:        cfg.StaleAfter,
		heartbeatInterval: cfg.HeartbeatInterval,
		writeTimeout:      cfg.WriteTimeout,
		storeBackoff:      cfg.StoreBackoff,
		dequeueBackoff:    cfg.DequeueBackoff,
		stopChan:          make(chan struct{}),
	}

	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.writeTimeout <= 0 {
		w.writeTimeout = 30 * time.Second
	}
	if w.storeBackoff == nil {
		w.storeBackoff = NewExponentialWithJitter(500*time.Millisecond, 30*time.Second)
	}
	if w.dequeueBackoff == nil {
		w.dequeueBackoff = NewExponential(time.Second, 30*time.Second)
	}

	metrics, err := NewMetrics(cfg.Meter, func() int64 { return w.active.Load() })
	if err != nil {
		return nil, err
	}
	w.metrics = metrics

	return w, nil
}

// Start spawns the slots and blocks until ctx is canceled or Stop is called,
// then waits for in-flight tasks to be released.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("soft_timeout", w.softTimeout),
		slog.Duration("hard_timeout", w.hardTimeout),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.spawnWorkerPool(ctx)
	<-ctx.Done()

	w.logger.Info("Worker context canceled, waiting for slots...")
	w.wg.Wait()
	w.logger.Info("Worker stopped")

	return nil
}

// Stop signals the pool to stop; Start returns once the slots have drained
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}

// Stats reports active slots, concurrency and queue depth
func (w *Worker) Stats(ctx context.Context) Stats {
	stats := Stats{
		WorkerID:    w.workerID,
		ActiveSlots: int(w.active.Load()),
		Concurrency: w.concurrency,
		QueueDepth:  -1,
	}

	depth, err := w.queue.Depth(ctx)
	if err != nil {
		w.logger.Warn("Failed to read queue depth",
			slog.String("error", err.Error()),
		)
		return stats
	}
	stats.QueueDepth = depth
	return stats
}
