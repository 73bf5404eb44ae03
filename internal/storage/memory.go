package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/media-jobs/internal/domain"
)

// MemoryStore is an in-process Store. All operations hold one mutex, so every
// conditional update is atomic with respect to the others.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's time source
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.Status != domain.JobStatusQueued {
		return fmt.Errorf("failed to create job: status must be %s, got %s", domain.JobStatusQueued, job.Status)
	}
	if job.MaxAttempts <= 0 {
		return fmt.Errorf("failed to create job: %w: max attempts must be positive", domain.ErrInvalidParameters)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("failed to create job: duplicate job id %s", job.ID)
	}

	now := s.now().UTC()
	stored := job.Clone()
	stored.AttemptCount = 0
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.jobs[job.ID] = stored

	job.CreatedAt = stored.CreatedAt
	job.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *MemoryStore) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil && !before(job, filter.Cursor) {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

// before reports whether job sorts after the cursor in newest-first order
func before(job *domain.Job, c *JobCursor) bool {
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.ID < c.JobID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}

func (s *MemoryStore) ClaimJob(ctx context.Context, jobID, owner string, staleAfter time.Duration) (*ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	now := s.now().UTC()
	res := &ClaimResult{
		PreviousStatus: job.Status,
		PreviousOwner:  job.ClaimOwner,
	}

	switch job.Status {
	case domain.JobStatusQueued:
	case domain.JobStatusRunning:
		if staleAfter <= 0 || now.Sub(job.LastSeenAt()) < staleAfter {
			return nil, domain.ErrJobAlreadyClaimed
		}
		res.Reclaimed = true
	default:
		return nil, domain.ErrJobTerminal
	}

	job.Status = domain.JobStatusRunning
	job.AttemptCount++
	job.ClaimOwner = owner
	job.ClaimedAt = &now
	job.HeartbeatAt = nil
	job.UpdatedAt = now

	res.Job = job.Clone()
	return res, nil
}

// owned returns the job if it is running under owner and may move to the next status
func (s *MemoryStore) owned(jobID, owner string, to domain.Status) (*domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusRunning || job.ClaimOwner != owner || !domain.CanTransition(job.Status, to) {
		return nil, domain.ErrClaimLost
	}
	return job, nil
}

func (s *MemoryStore) HeartbeatJob(ctx context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, owner, domain.JobStatusRunning)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID, owner, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, owner, domain.JobStatusCompleted)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	job.Status = domain.JobStatusCompleted
	job.Result = &result
	job.Error = nil
	job.ClaimOwner = ""
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FailJob(ctx context.Context, jobID, owner string, jobErr domain.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, owner, domain.JobStatusFailed)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	job.Status = domain.JobStatusFailed
	job.Result = nil
	job.Error = &jobErr
	job.ClaimOwner = ""
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ReleaseJob(ctx context.Context, jobID, owner, lastError string, refundAttempt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, owner, domain.JobStatusQueued)
	if err != nil {
		return err
	}
	job.Status = domain.JobStatusQueued
	job.ClaimOwner = ""
	job.HeartbeatAt = nil
	job.LastError = lastError
	if refundAttempt && job.AttemptCount > 0 {
		job.AttemptCount--
	}
	job.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) ListExpiredJobs(ctx context.Context, horizon time.Duration, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-horizon)
	out := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() || job.FinishedAt == nil {
			continue
		}
		if job.FinishedAt.Before(cutoff) {
			out = append(out, job.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].FinishedAt.Before(*out[j].FinishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStrandedJobs(ctx context.Context, queuedFor, staleAfter time.Duration, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	out := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		switch job.Status {
		case domain.JobStatusQueued:
			if now.Sub(job.UpdatedAt) >= queuedFor {
				out = append(out, job.Clone())
			}
		case domain.JobStatusRunning:
			if staleAfter > 0 && now.Sub(job.LastSeenAt()) >= staleAfter {
				out = append(out, job.Clone())
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountArtifactRefs(ctx context.Context, artifactRef, excludeJobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, job := range s.jobs {
		if id != excludeJobID && job.ArtifactRef == artifactRef {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !job.Status.IsTerminal() {
		return domain.ErrJobNotTerminal
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
