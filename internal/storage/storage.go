// Package storage is the job store: the single source of truth for job state.
//
// Every write that changes a job's status is a conditional update. A claim
// succeeds only if the job is queued or its current claim went stale; terminal
// writes and releases succeed only for the owner of the current claim.
package storage

import (
	"context"
	"embed"
	"time"

	"github.com/cuongbtq/media-jobs/internal/domain"
)

// Migrations holds the goose SQL migrations for the Postgres store.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations that goose reads
const MigrationsDir = "migrations"

// Store persists jobs and enforces the claim invariant.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	// ListJobs returns up to PageSize+1 jobs, newest first, so callers can detect another page.
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// ClaimJob moves a job to running under owner and increments its attempt count.
	// A running job is reclaimable once its last claim or heartbeat is older than staleAfter.
	ClaimJob(ctx context.Context, jobID, owner string, staleAfter time.Duration) (*ClaimResult, error)
	HeartbeatJob(ctx context.Context, jobID, owner string) error
	CompleteJob(ctx context.Context, jobID, owner, result string) error
	FailJob(ctx context.Context, jobID, owner string, jobErr domain.JobError) error
	// ReleaseJob returns a running job to queued, recording lastError for the next attempt.
	// refundAttempt undoes the attempt count increment of the current claim.
	ReleaseJob(ctx context.Context, jobID, owner, lastError string, refundAttempt bool) error

	ListExpiredJobs(ctx context.Context, horizon time.Duration, limit int) ([]*domain.Job, error)
	// ListStrandedJobs returns queued jobs untouched for queuedFor and running jobs
	// whose claim is older than staleAfter. staleAfter <= 0 excludes running jobs.
	ListStrandedJobs(ctx context.Context, queuedFor, staleAfter time.Duration, limit int) ([]*domain.Job, error)
	CountArtifactRefs(ctx context.Context, artifactRef, excludeJobID string) (int, error)
	// DeleteJob removes a terminal job record.
	DeleteJob(ctx context.Context, jobID string) error

	Ping(ctx context.Context) error
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Status   domain.Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last job on the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ClaimResult describes a successful claim
type ClaimResult struct {
	Job            *domain.Job
	PreviousStatus domain.Status
	PreviousOwner  string
	// Reclaimed is set when the job was taken over from a stale claim.
	Reclaimed bool
}
