package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

// Keys, all under one prefix:
//
//	ready       LIST  task ids, LPUSH in, RPOP out
//	inflight    ZSET  task id -> visibility deadline (unix ms)
//	jobs        HASH  task id -> job id
//	deliveries  HASH  task id -> delivery count
//	receipts    HASH  task id -> receipt of the current delivery
var dequeueScript = r.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[5], id)
	redis.call('LPUSH', KEYS[1], id)
end

while true do
	local id = redis.call('RPOP', KEYS[1])
	if not id then
		return false
	end
	local job = redis.call('HGET', KEYS[3], id)
	if job then
		local deadline = now + tonumber(ARGV[1])
		redis.call('ZADD', KEYS[2], deadline, id)
		redis.call('HSET', KEYS[5], id, ARGV[2])
		local deliveries = redis.call('HINCRBY', KEYS[4], id, 1)
		return {id, job, deliveries, deadline}
	end
end
`)

var ackScript = r.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

var nackScript = r.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

// RedisQueue is a Queue on Redis. Leases live in a sorted set keyed by their
// visibility deadline; every dequeue first returns expired leases to the list.
type RedisQueue struct {
	rdb        *r.Client
	keys       []string
	visibility time.Duration
	poll       time.Duration
	step       time.Duration
	logger     *slog.Logger
	closed     atomic.Bool
}

// NewRedisQueue creates a queue whose keys start with prefix
func NewRedisQueue(rdb *r.Client, prefix string, visibility, poll time.Duration, logger *slog.Logger) *RedisQueue {
	step := poll / 10
	if step < 50*time.Millisecond {
		step = 50 * time.Millisecond
	}
	return &RedisQueue{
		rdb: rdb,
		keys: []string{
			prefix + ":ready",
			prefix + ":inflight",
			prefix + ":jobs",
			prefix + ":deliveries",
			prefix + ":receipts",
		},
		visibility: visibility,
		poll:       poll,
		step:       step,
		logger:     logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	taskID := uuid.NewString()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.keys[2], taskID, jobID)
	pipe.LPush(ctx, q.keys[0], taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	q.logger.Debug("Task enqueued",
		slog.String("task_id", taskID),
		slog.String("job_id", jobID),
	)
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	deadline := time.Now().Add(q.poll)
	for {
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}

		task, err := q.tryDequeue(ctx)
		if task != nil || err != nil {
			return task, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > q.step {
			wait = q.step
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *RedisQueue) tryDequeue(ctx context.Context) (*Task, error) {
	receipt := uuid.NewString()
	res, err := dequeueScript.Run(ctx, q.rdb, q.keys, q.visibility.Milliseconds(), receipt).Slice()
	if err != nil {
		if errors.Is(err, r.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("failed to dequeue: unexpected reply %v", res)
	}

	id, _ := res[0].(string)
	jobID, _ := res[1].(string)
	deliveries, _ := res[2].(int64)
	deadline, _ := res[3].(int64)

	return &Task{
		ID:         id,
		JobID:      jobID,
		Deliveries: int(deliveries),
		VisibleAt:  time.UnixMilli(deadline),
		receipt:    receipt,
	}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, task *Task) error {
	n, err := ackScript.Run(ctx, q.rdb, q.keys, task.ID, task.receipt).Int()
	if err != nil {
		return fmt.Errorf("failed to ack task %s: %w", task.ID, err)
	}
	if n == 0 {
		q.logger.Debug("Ack for expired delivery ignored",
			slog.String("task_id", task.ID),
			slog.String("job_id", task.JobID),
		)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, task *Task) error {
	n, err := nackScript.Run(ctx, q.rdb, q.keys, task.ID, task.receipt).Int()
	if err != nil {
		return fmt.Errorf("failed to nack task %s: %w", task.ID, err)
	}
	if n == 0 {
		q.logger.Debug("Nack for expired delivery ignored",
			slog.String("task_id", task.ID),
			slog.String("job_id", task.JobID),
		)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.keys[0]).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

// Close stops the queue; the Redis client is owned by the caller
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
