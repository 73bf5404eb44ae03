// Package sweeper removes terminal jobs past the retention horizon together
// with their artifacts, and re-enqueues jobs that lost their task.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/media-jobs/internal/artifact"
	"github.com/cuongbtq/media-jobs/internal/domain"
	"github.com/cuongbtq/media-jobs/internal/storage"
	"golang.org/x/time/rate"
)

const defaultBatchSize = 100

// Config holds sweeper configuration
type Config struct {
	Logger    *slog.Logger
	Store     storage.Store
	Artifacts artifact.Store

	// Horizon is how long a terminal job is kept after it finished
	Horizon   time.Duration
	BatchSize int
	// DeleteRate limits jobs removed per second; zero means unlimited
	DeleteRate float64
}

// Report summarizes one sweep
type Report struct {
	Scanned          int
	Deleted          int
	ArtifactsDeleted int
	ArtifactsShared  int
	Failed           int
}

// Sweeper deletes expired terminal jobs. It is safe to run concurrently with
// the worker pool and with other sweepers.
type Sweeper struct {
	logger    *slog.Logger
	store     storage.Store
	artifacts artifact.Store
	horizon   time.Duration
	batchSize int
	limiter   *rate.Limiter
}

// New creates a sweeper
func New(cfg *Config) *Sweeper {
	s := &Sweeper{
		logger:    cfg.Logger,
		store:     cfg.Store,
		artifacts: cfg.Artifacts,
		horizon:   cfg.Horizon,
		batchSize: cfg.BatchSize,
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if cfg.DeleteRate > 0 {
		burst := int(cfg.DeleteRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DeleteRate), burst)
	}
	return s
}

// Sweep removes every job that finished before now - horizon. For each job
// the artifact goes first and the record second, so a crash in between leaves
// a record the next sweep picks up again.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	started := time.Now()

	for {
		jobs, err := s.store.ListExpiredJobs(ctx, s.horizon, s.batchSize)
		if err != nil {
			return report, fmt.Errorf("failed to list expired jobs: %w", err)
		}
		if len(jobs) == 0 {
			break
		}

		progress := 0
		for _, job := range jobs {
			if err := s.limiter.Wait(ctx); err != nil {
				return report, err
			}

			report.Scanned++
			if err := s.sweepJob(ctx, job, &report); err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				report.Failed++
				s.logger.Warn("Failed to sweep job",
					slog.String("job_id", job.ID),
					slog.String("artifact_ref", job.ArtifactRef),
					slog.String("error", err.Error()),
				)
				continue
			}
			progress++
		}

		// a batch that only failed would be listed again forever
		if progress == 0 || len(jobs) < s.batchSize {
			break
		}
	}

	s.logger.Info("Retention sweep finished",
		slog.Duration("horizon", s.horizon),
		slog.Int("scanned", report.Scanned),
		slog.Int("deleted", report.Deleted),
		slog.Int("artifacts_deleted", report.ArtifactsDeleted),
		slog.Int("artifacts_shared", report.ArtifactsShared),
		slog.Int("failed", report.Failed),
		slog.Duration("elapsed", time.Since(started)),
	)
	return report, nil
}

func (s *Sweeper) sweepJob(ctx context.Context, job *domain.Job, report *Report) error {
	// never touch live jobs
	if !job.Status.IsTerminal() {
		return nil
	}

	refs, err := s.store.CountArtifactRefs(ctx, job.ArtifactRef, job.ID)
	if err != nil {
		return err
	}

	if refs == 0 {
		if err := s.artifacts.Delete(ctx, job.ArtifactRef); err != nil {
			return fmt.Errorf("failed to delete artifact: %w", err)
		}
		report.ArtifactsDeleted++
	} else {
		report.ArtifactsShared++
	}

	err = s.store.DeleteJob(ctx, job.ID)
	switch {
	case err == nil:
		report.Deleted++
		s.logger.Debug("Swept job",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
		)
		return nil
	case errors.Is(err, domain.ErrJobNotFound):
		// another sweeper got there first
		return nil
	default:
		return err
	}
}
