// Package queue is the task queue between the submission gateway and the worker pool.
//
// Delivery is at-least-once. A dequeued task stays invisible until it is acked,
// nacked, or its visibility timeout passes, after which it is delivered again.
// Tasks only carry a job id; job status always comes from the job store.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by operations on a closed queue
var ErrQueueClosed = errors.New("queue closed")

// Task is one delivery of a job id
type Task struct {
	ID         string
	JobID      string
	Deliveries int
	// VisibleAt is when the task becomes deliverable again if it is not acked.
	VisibleAt time.Time

	receipt string
	tag     uint64
}

// Queue is a visibility-timeout task queue
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue returns the next visible task, or nil after one poll interval with nothing to deliver.
	Dequeue(ctx context.Context) (*Task, error)
	// Ack removes the task for good. Acking a delivery that already timed out is a no-op.
	Ack(ctx context.Context, task *Task) error
	// Nack makes the task visible again immediately.
	Nack(ctx context.Context, task *Task) error
	// Depth is the number of tasks waiting for delivery.
	Depth(ctx context.Context) (int64, error)
	Close() error
}

type message struct {
	JobID string `json:"job_id"`
}
