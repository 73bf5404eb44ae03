package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/media-jobs/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness builds a fresh store for every subtest. wait lets time pass, either
// on a fake clock or on the wall clock.
type harness struct {
	newStore func(t *testing.T) Store
	wait     func(d time.Duration)
}

func newQueuedJob(artifactRef string) *domain.Job {
	return &domain.Job{
		ID:          uuid.NewString(),
		ArtifactRef: artifactRef,
		Status:      domain.JobStatusQueued,
		Parameters:  domain.Parameters{Engine: "fast", Language: "en"},
		MaxAttempts: 3,
	}
}

func mustCreate(t *testing.T, s Store, artifactRef string) *domain.Job {
	t.Helper()
	job := newQueuedJob(artifactRef)
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func runStoreContract(t *testing.T, h harness) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")

		got, err := s.GetJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, got.Status)
		assert.Equal(t, 0, got.AttemptCount)
		assert.Equal(t, "a.wav", got.ArtifactRef)
		assert.Equal(t, "fast", got.Parameters.Engine)
		assert.Nil(t, got.Result)
		assert.Nil(t, got.Error)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("get unknown job", func(t *testing.T) {
		s := h.newStore(t)
		_, err := s.GetJobByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("create rejects non-queued job", func(t *testing.T) {
		s := h.newStore(t)
		job := newQueuedJob("a.wav")
		job.Status = domain.JobStatusRunning
		assert.Error(t, s.CreateJob(ctx, job))
	})

	t.Run("claim queued job", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")

		res, err := s.ClaimJob(ctx, job.ID, "w1", time.Minute)
		require.NoError(t, err)
		assert.False(t, res.Reclaimed)
		assert.Equal(t, domain.JobStatusQueued, res.PreviousStatus)
		assert.Equal(t, domain.JobStatusRunning, res.Job.Status)
		assert.Equal(t, 1, res.Job.AttemptCount)
		assert.Equal(t, "w1", res.Job.ClaimOwner)
		require.NotNil(t, res.Job.ClaimedAt)
	})

	t.Run("claim errors", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")

		_, err := s.ClaimJob(ctx, uuid.NewString(), "w1", time.Minute)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)

		_, err = s.ClaimJob(ctx, job.ID, "w1", time.Minute)
		require.NoError(t, err)

		_, err = s.ClaimJob(ctx, job.ID, "w2", time.Minute)
		assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

		require.NoError(t, s.CompleteJob(ctx, job.ID, "w1", "text"))
		_, err = s.ClaimJob(ctx, job.ID, "w2", time.Minute)
		assert.ErrorIs(t, err, domain.ErrJobTerminal)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")

		const n = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.ClaimJob(ctx, job.ID, uuid.NewString(), time.Hour)
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
		got, err := s.GetJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.AttemptCount)
	})

	t.Run("stale claim is reclaimed", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")

		_, err := s.ClaimJob(ctx, job.ID, "w1", 50*time.Millisecond)
		require.NoError(t, err)

		h.wait(100 * time.Millisecond)

		res, err := s.ClaimJob(ctx, job.ID, "w2", 50*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, res.Reclaimed)
		assert.Equal(t, "w1", res.PreviousOwner)
		assert.Equal(t, 2, res.Job.AttemptCount)

		// the displaced owner can no longer write
		assert.ErrorIs(t, s.CompleteJob(ctx, job.ID, "w1", "late"), domain.ErrClaimLost)
		require.NoError(t, s.CompleteJob(ctx, job.ID, "w2", "text"))
	})

	t.Run("heartbeat keeps claim alive", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")

		_, err := s.ClaimJob(ctx, job.ID, "w1", 200*time.Millisecond)
		require.NoError(t, err)

		h.wait(150 * time.Millisecond)
		require.NoError(t, s.HeartbeatJob(ctx, job.ID, "w1"))
		h.wait(150 * time.Millisecond)

		_, err = s.ClaimJob(ctx, job.ID, "w2", 200*time.Millisecond)
		assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

		assert.ErrorIs(t, s.HeartbeatJob(ctx, job.ID, "w2"), domain.ErrClaimLost)
	})

	t.Run("complete sets result only", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")
		_, err := s.ClaimJob(ctx, job.ID, "w1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, s.CompleteJob(ctx, job.ID, "w1", "hello world"))

		got, err := s.GetJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, "hello world", *got.Result)
		assert.Nil(t, got.Error)
		assert.NotNil(t, got.FinishedAt)

		assert.ErrorIs(t, s.FailJob(ctx, job.ID, "w1", domain.JobError{Kind: domain.ErrorKindPermanentEngine}), domain.ErrClaimLost)
	})

	t.Run("fail sets error only", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")
		_, err := s.ClaimJob(ctx, job.ID, "w1", time.Minute)
		require.NoError(t, err)

		jobErr := domain.JobError{Kind: domain.ErrorKindPermanentEngine, Message: "unsupported codec"}
		require.NoError(t, s.FailJob(ctx, job.ID, "w1", jobErr))

		got, err := s.GetJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, got.Status)
		assert.Nil(t, got.Result)
		require.NotNil(t, got.Error)
		assert.Equal(t, jobErr, *got.Error)
	})

	t.Run("release requeues with last error", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")
		_, err := s.ClaimJob(ctx, job.ID, "w1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, s.ReleaseJob(ctx, job.ID, "w1", "decoder crashed", false))

		got, err := s.GetJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, got.Status)
		assert.Equal(t, "decoder crashed", got.LastError)
		assert.Equal(t, 1, got.AttemptCount)
		assert.Empty(t, got.ClaimOwner)

		res, err := s.ClaimJob(ctx, job.ID, "w2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Job.AttemptCount)
		assert.False(t, res.Reclaimed)
	})

	t.Run("release with refund keeps the attempt count", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")
		for i := 1; i <= 2; i++ {
			owner := fmt.Sprintf("w%d", i)
			res, err := s.ClaimJob(ctx, job.ID, owner, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Job.AttemptCount)
			require.NoError(t, s.ReleaseJob(ctx, job.ID, owner, "worker shut down", true))
		}

		got, err := s.GetJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, got.Status)
		assert.Zero(t, got.AttemptCount)
		assert.Equal(t, "worker shut down", got.LastError)

		assert.ErrorIs(t, s.ReleaseJob(ctx, job.ID, "w2", "again", true), domain.ErrClaimLost)
	})

	t.Run("list newest first with cursor", func(t *testing.T) {
		s := h.newStore(t)
		var ids []string
		for i := 0; i < 5; i++ {
			ids = append(ids, mustCreate(t, s, "a.wav").ID)
			h.wait(5 * time.Millisecond)
		}

		page, err := s.ListJobs(ctx, JobFilter{PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, ids[4], page[0].ID)
		assert.Equal(t, ids[3], page[1].ID)

		last := page[1]
		next, err := s.ListJobs(ctx, JobFilter{
			PageSize: 2,
			Cursor:   &JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID},
		})
		require.NoError(t, err)
		require.Len(t, next, 3)
		assert.Equal(t, ids[2], next[0].ID)

		_, err = s.ClaimJob(ctx, ids[0], "w1", time.Minute)
		require.NoError(t, err)
		running, err := s.ListJobs(ctx, JobFilter{Status: domain.JobStatusRunning, PageSize: 10})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, ids[0], running[0].ID)
	})

	t.Run("expired lists terminal jobs past horizon", func(t *testing.T) {
		s := h.newStore(t)
		done := mustCreate(t, s, "a.wav")
		queued := mustCreate(t, s, "b.wav")
		running := mustCreate(t, s, "c.wav")

		_, err := s.ClaimJob(ctx, done.ID, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.CompleteJob(ctx, done.ID, "w1", "text"))
		_, err = s.ClaimJob(ctx, running.ID, "w2", time.Minute)
		require.NoError(t, err)

		expired, err := s.ListExpiredJobs(ctx, time.Hour, 10)
		require.NoError(t, err)
		assert.Empty(t, expired)

		h.wait(100 * time.Millisecond)

		expired, err = s.ListExpiredJobs(ctx, 50*time.Millisecond, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, done.ID, expired[0].ID)
		assert.NotEqual(t, queued.ID, expired[0].ID)
	})

	t.Run("delete only terminal jobs", func(t *testing.T) {
		s := h.newStore(t)
		job := mustCreate(t, s, "a.wav")

		assert.ErrorIs(t, s.DeleteJob(ctx, job.ID), domain.ErrJobNotTerminal)

		_, err := s.ClaimJob(ctx, job.ID, "w1", time.Minute)
		require.NoError(t, err)
		assert.ErrorIs(t, s.DeleteJob(ctx, job.ID), domain.ErrJobNotTerminal)

		require.NoError(t, s.FailJob(ctx, job.ID, "w1", domain.JobError{Kind: domain.ErrorKindRetriesExhausted, Message: "x"}))
		require.NoError(t, s.DeleteJob(ctx, job.ID))
		assert.ErrorIs(t, s.DeleteJob(ctx, job.ID), domain.ErrJobNotFound)

		_, err = s.GetJobByID(ctx, job.ID)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("count artifact refs", func(t *testing.T) {
		s := h.newStore(t)
		ref := "shared-" + uuid.NewString() + ".wav"
		a := mustCreate(t, s, ref)
		mustCreate(t, s, ref)
		mustCreate(t, s, "other.wav")

		n, err := s.CountArtifactRefs(ctx, ref, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.CountArtifactRefs(ctx, ref, "")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("stranded jobs", func(t *testing.T) {
		s := h.newStore(t)
		queued := mustCreate(t, s, "a.wav")
		running := mustCreate(t, s, "b.wav")
		_, err := s.ClaimJob(ctx, running.ID, "w1", time.Minute)
		require.NoError(t, err)

		stranded, err := s.ListStrandedJobs(ctx, time.Hour, time.Hour, 10)
		require.NoError(t, err)
		assert.Empty(t, stranded)

		h.wait(100 * time.Millisecond)

		stranded, err = s.ListStrandedJobs(ctx, 50*time.Millisecond, 50*time.Millisecond, 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(stranded))
		for _, j := range stranded {
			ids = append(ids, j.ID)
		}
		assert.ElementsMatch(t, []string{queued.ID, running.ID}, ids)
	})
}
