package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryQueue_Contract(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	runQueueContract(t, queueHarness{
		newQueue: func(t *testing.T, visibility time.Duration) Queue {
			return NewMemoryQueue(visibility, 20*time.Millisecond, WithClock(clock.Now))
		},
		expire: clock.Advance,
	})
}

func TestMemoryQueue_DequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemoryQueue(time.Minute, 5*time.Second)

	got := make(chan *Task, 1)
	go func() {
		task, _ := q.Dequeue(context.Background())
		got <- task
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "job-1"))

	select {
	case task := <-got:
		require.NotNil(t, task)
		assert.Equal(t, "job-1", task.JobID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestMemoryQueue_DequeueHonorsContext(t *testing.T) {
	q := NewMemoryQueue(time.Minute, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryQueue_InFlight(t *testing.T) {
	q := NewMemoryQueue(time.Minute, 10*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "job-1"))

	task := mustDequeue(t, q)
	assert.Equal(t, 1, q.InFlight())

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	require.NoError(t, q.Ack(context.Background(), task))
	assert.Equal(t, 0, q.InFlight())
}
