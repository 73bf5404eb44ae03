package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Task is a periodic unit of maintenance work
type Task func(ctx context.Context) error

// Scheduler runs maintenance tasks on fixed intervals. A run that is still
// going when its next tick fires is skipped.
type Scheduler struct {
	cron   *cronlib.Cron
	logger *slog.Logger
	ctx    context.Context
}

// cronLogger routes cron's own logging into slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)
	l.logger.Error("cron: "+msg, args...)
}

// NewScheduler creates an idle scheduler
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cronlib.New(
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Every registers task to run once per interval
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	// cron has one-second resolution
	if interval < time.Second {
		return fmt.Errorf("failed to schedule %s: interval must be at least 1s, got %s", name, interval)
	}

	spec := fmt.Sprintf("@every %s", interval)
	if _, err := s.cron.AddFunc(spec, func() { s.run(name, task) }); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}

	s.logger.Info("Scheduled maintenance task",
		slog.String("task", name),
		slog.Duration("interval", interval),
	)
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	started := time.Now()
	if err := task(s.ctx); err != nil {
		s.logger.Error("Maintenance task failed",
			slog.String("task", name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("Maintenance task finished",
		slog.String("task", name),
		slog.Duration("elapsed", time.Since(started)),
	)
}

// Run starts the scheduler and blocks until ctx is canceled, then waits for
// running tasks to return. Tasks see ctx and should stop when it is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("Scheduler started", slog.Int("tasks", len(s.cron.Entries())))

	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("Scheduler stopped")
	return nil
}
