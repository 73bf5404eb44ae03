package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueHarness builds a fresh queue with the given visibility timeout.
// expire makes every in-flight delivery pass its deadline.
type queueHarness struct {
	newQueue func(t *testing.T, visibility time.Duration) Queue
	expire   func(visibility time.Duration)
}

func mustDequeue(t *testing.T, q Queue) *Task {
	t.Helper()
	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func runQueueContract(t *testing.T, h queueHarness) {
	ctx := context.Background()

	t.Run("fifo delivery", func(t *testing.T) {
		q := h.newQueue(t, time.Minute)
		a, b := uuid.NewString(), uuid.NewString()
		require.NoError(t, q.Enqueue(ctx, a))
		require.NoError(t, q.Enqueue(ctx, b))

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), depth)

		first := mustDequeue(t, q)
		second := mustDequeue(t, q)
		assert.Equal(t, a, first.JobID)
		assert.Equal(t, b, second.JobID)
		assert.Equal(t, 1, first.Deliveries)
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("empty queue returns nil after poll", func(t *testing.T) {
		q := h.newQueue(t, time.Minute)
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, task)
	})

	t.Run("ack removes task", func(t *testing.T) {
		q := h.newQueue(t, 200*time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, uuid.NewString()))

		task := mustDequeue(t, q)
		require.NoError(t, q.Ack(ctx, task))

		h.expire(200 * time.Millisecond)

		next, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("nack redelivers immediately", func(t *testing.T) {
		q := h.newQueue(t, time.Minute)
		jobID := uuid.NewString()
		require.NoError(t, q.Enqueue(ctx, jobID))

		task := mustDequeue(t, q)
		require.NoError(t, q.Nack(ctx, task))

		again := mustDequeue(t, q)
		assert.Equal(t, jobID, again.JobID)
		assert.Equal(t, task.ID, again.ID)
		assert.Equal(t, 2, again.Deliveries)
	})

	t.Run("unacked task is redelivered after visibility timeout", func(t *testing.T) {
		q := h.newQueue(t, 200*time.Millisecond)
		jobID := uuid.NewString()
		require.NoError(t, q.Enqueue(ctx, jobID))

		task := mustDequeue(t, q)

		// still invisible
		none, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, none)

		h.expire(200 * time.Millisecond)

		again := mustDequeue(t, q)
		assert.Equal(t, jobID, again.JobID)
		assert.Equal(t, 2, again.Deliveries)

		// the first, expired delivery cannot ack the redelivered one
		require.NoError(t, q.Ack(ctx, task))
		require.NoError(t, q.Nack(ctx, again))

		third := mustDequeue(t, q)
		assert.Equal(t, 3, third.Deliveries)
		require.NoError(t, q.Ack(ctx, third))
	})

	t.Run("closed queue", func(t *testing.T) {
		q := h.newQueue(t, time.Minute)
		require.NoError(t, q.Close())
		assert.ErrorIs(t, q.Enqueue(ctx, uuid.NewString()), ErrQueueClosed)
		_, err := q.Dequeue(ctx)
		assert.ErrorIs(t, err, ErrQueueClosed)
	})
}
