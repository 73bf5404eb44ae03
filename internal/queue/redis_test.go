package queue

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisQueue_Contract(t *testing.T) {
	addr := os.Getenv("MEDIAJOBS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEDIAJOBS_TEST_REDIS_ADDR not set")
	}

	rdb := r.NewClient(&r.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runQueueContract(t, queueHarness{
		newQueue: func(t *testing.T, visibility time.Duration) Queue {
			return NewRedisQueue(rdb, "mediajobs-test:"+uuid.NewString(), visibility, 100*time.Millisecond, logger)
		},
		expire: func(d time.Duration) {
			time.Sleep(d + 50*time.Millisecond)
		},
	})
}
