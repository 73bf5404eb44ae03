package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cuongbtq/media-jobs/shared/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerTimeoutArgs returns queue arguments that make the broker redeliver
// a message whose consumer has not acked it within visibility.
func ConsumerTimeoutArgs(visibility time.Duration) amqp.Table {
	return amqp.Table{
		"x-consumer-timeout": visibility.Milliseconds(),
	}
}

// RabbitMQQueue is a Queue on a RabbitMQ queue with manual acks. The broker's
// consumer timeout provides the visibility deadline: an unacked delivery is
// returned to the queue when it expires or when the channel drops.
type RabbitMQQueue struct {
	client      *rabbitmq.Client
	consumerTag string
	prefetch    int
	visibility  time.Duration
	poll        time.Duration
	logger      *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	generation uint64
	closed     bool
}

// NewRabbitMQQueue creates a queue consuming with up to prefetch unacked deliveries
func NewRabbitMQQueue(client *rabbitmq.Client, consumerTag string, prefetch int, visibility, poll time.Duration, logger *slog.Logger) *RabbitMQQueue {
	return &RabbitMQQueue{
		client:      client,
		consumerTag: consumerTag,
		prefetch:    prefetch,
		visibility:  visibility,
		poll:        poll,
		logger:      logger,
	}
}

func (q *RabbitMQQueue) Enqueue(ctx context.Context, jobID string) error {
	body, err := json.Marshal(message{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := q.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

// consume returns the live delivery channel, starting a consumer if needed
func (q *RabbitMQQueue) consume() (<-chan amqp.Delivery, uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, 0, ErrQueueClosed
	}
	if q.deliveries != nil {
		return q.deliveries, q.generation, nil
	}

	if err := q.client.Reconnect(); err != nil {
		return nil, 0, err
	}
	deliveries, generation, err := q.client.Consume(q.consumerTag, q.prefetch)
	if err != nil {
		return nil, 0, err
	}
	q.deliveries = deliveries
	q.generation = generation
	return deliveries, generation, nil
}

// reset drops a dead consumer so the next Dequeue starts a new one
func (q *RabbitMQQueue) reset(generation uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.generation == generation {
		q.deliveries = nil
	}
}

func (q *RabbitMQQueue) Dequeue(ctx context.Context) (*Task, error) {
	timer := time.NewTimer(q.poll)
	defer timer.Stop()

	for {
		deliveries, generation, err := q.consume()
		if err != nil {
			return nil, fmt.Errorf("failed to start consumer: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timer.C:
			return nil, nil

		case delivery, ok := <-deliveries:
			if !ok {
				q.logger.Warn("RabbitMQ delivery channel closed")
				q.reset(generation)
				return nil, nil
			}

			task, err := q.decode(delivery, generation)
			if err != nil {
				q.logger.Error("Failed to parse task message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// malformed messages go to the dead-letter exchange, if any
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					q.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}
			return task, nil
		}
	}
}

func (q *RabbitMQQueue) decode(delivery amqp.Delivery, generation uint64) (*Task, error) {
	var msg message
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("invalid job_id %q: %w", msg.JobID, err)
	}

	id := delivery.MessageId
	if id == "" {
		id = strconv.FormatUint(delivery.DeliveryTag, 10)
	}

	return &Task{
		ID:         id,
		JobID:      msg.JobID,
		Deliveries: deliveryCount(delivery),
		VisibleAt:  time.Now().Add(q.visibility),
		receipt:    strconv.FormatUint(generation, 10),
		tag:        delivery.DeliveryTag,
	}, nil
}

// deliveryCount uses the quorum-queue counter when present, otherwise the redelivered flag
func deliveryCount(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

func (q *RabbitMQQueue) Ack(ctx context.Context, task *Task) error {
	generation, err := strconv.ParseUint(task.receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to ack task %s: bad receipt", task.ID)
	}
	if err := q.client.Ack(generation, task.tag); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", task.ID, err)
	}
	return nil
}

func (q *RabbitMQQueue) Nack(ctx context.Context, task *Task) error {
	generation, err := strconv.ParseUint(task.receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to nack task %s: bad receipt", task.ID)
	}
	if err := q.client.Nack(generation, task.tag, true); err != nil {
		return fmt.Errorf("failed to nack task %s: %w", task.ID, err)
	}
	return nil
}

func (q *RabbitMQQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.QueueDepth()
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// Close stops consuming; the connection is owned by the caller
func (q *RabbitMQQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.deliveries = nil
	return nil
}
