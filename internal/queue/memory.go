package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	id         string
	jobID      string
	deliveries int
	deadline   time.Time
	receipt    string
}

// MemoryQueue is an in-process Queue for tests and single-binary setups
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []*memoryEntry
	inflight   map[string]*memoryEntry
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
	notify     chan struct{}
	closed     bool
}

// MemoryOption configures a MemoryQueue
type MemoryOption func(*MemoryQueue)

// WithClock overrides the clock used for visibility deadlines
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		q.now = now
	}
}

// NewMemoryQueue creates an empty queue
func NewMemoryQueue(visibility, poll time.Duration, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		inflight:   make(map[string]*memoryEntry),
		visibility: visibility,
		poll:       poll,
		now:        time.Now,
		notify:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.ready = append(q.ready, &memoryEntry{id: uuid.NewString(), jobID: jobID})
	q.signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	timer := time.NewTimer(q.poll)
	defer timer.Stop()

	for {
		task, err := q.tryDequeue()
		if task != nil || err != nil {
			return task, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return q.tryDequeue()
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) tryDequeue() (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := q.now()
	q.requeueExpired(now)
	if len(q.ready) == 0 {
		return nil, nil
	}

	e := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]

	e.deliveries++
	e.deadline = now.Add(q.visibility)
	e.receipt = uuid.NewString()
	q.inflight[e.receipt] = e

	if len(q.ready) > 0 {
		q.signal()
	}

	return &Task{
		ID:         e.id,
		JobID:      e.jobID,
		Deliveries: e.deliveries,
		VisibleAt:  e.deadline,
		receipt:    e.receipt,
	}, nil
}

// requeueExpired moves in-flight entries past their deadline back to ready
func (q *MemoryQueue) requeueExpired(now time.Time) {
	for receipt, e := range q.inflight {
		if now.Before(e.deadline) {
			continue
		}
		delete(q.inflight, receipt)
		e.receipt = ""
		q.ready = append(q.ready, e)
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, task.receipt)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[task.receipt]
	if !ok {
		return nil
	}
	delete(q.inflight, task.receipt)
	e.receipt = ""
	q.ready = append(q.ready, e)
	q.signal()
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.requeueExpired(q.now())
	return int64(len(q.ready)), nil
}

// InFlight is the number of delivered, unacknowledged tasks
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
