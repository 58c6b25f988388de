package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/pkg/redis"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)

	// adapters are cached by name, so each test gets its own
	connName := t.Name() + "-" + mr.Addr()
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return mr, adapter
}

func testConfig(name string) QueueConfig {
	return QueueConfig{
		Name:              name,
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      20 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
}

func TestNewQueue(t *testing.T) {
	_, adapter := setupTestRedis(t)

	_, err := NewQueue(adapter, QueueConfig{})
	assert.Error(t, err)

	q, err := NewQueue(adapter, testConfig("test:new"))
	require.NoError(t, err)
	defer q.Stop(time.Second)

	// an existing group is reused
	again, err := NewQueue(adapter, testConfig("test:new"))
	require.NoError(t, err)
	defer again.Stop(time.Second)
}

func TestQueue_ScheduleAndConsume(t *testing.T) {
	_, adapter := setupTestRedis(t)
	q, err := NewQueue(adapter, testConfig("test:deliveries"))
	require.NoError(t, err)
	defer q.Stop(time.Second)

	created := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	require.NoError(t, q.Schedule(context.Background(), model.DeliveryTask{DispatchID: "d-1", CreatedAt: created}))

	received := make(chan *Message, 1)
	require.NoError(t, q.Consume(func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	}))

	select {
	case msg := <-received:
		var task model.DeliveryTask
		require.NoError(t, msg.Decode(&task))
		assert.Equal(t, "d-1", task.DispatchID)
		assert.True(t, created.Equal(task.CreatedAt))
		assert.Equal(t, "d-1", msg.Metadata[MetaDispatchID])
		assert.Equal(t, 0, msg.Attempts)
		assert.False(t, msg.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	assert.Eventually(t, func() bool {
		stats, err := q.GetStats(context.Background())
		return err == nil && stats.PendingMessages == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestQueue_ConsumeTwice(t *testing.T) {
	_, adapter := setupTestRedis(t)
	q, err := NewQueue(adapter, testConfig("test:twice"))
	require.NoError(t, err)
	defer q.Stop(time.Second)

	assert.ErrorIs(t, q.Consume(nil), ErrHandlerRequired)
	require.NoError(t, q.Consume(func(context.Context, *Message) error { return nil }))
	assert.Error(t, q.Consume(func(context.Context, *Message) error { return nil }))
}

func TestQueue_FailedMessageIsRetried(t *testing.T) {
	_, adapter := setupTestRedis(t)
	cfg := testConfig("test:retry")
	cfg.VisibilityTimeout = 50 * time.Millisecond
	q, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	defer q.Stop(time.Second)

	_, err = q.PublishJSON(context.Background(), map[string]string{"test": "retry"}, nil)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		attempts []int
	)
	require.NoError(t, q.Consume(func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, msg.Attempts)
		if len(attempts) == 1 {
			return assert.AnError
		}
		return nil
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, attempts[0])
	assert.GreaterOrEqual(t, attempts[1], 1)
	mu.Unlock()
}

func TestQueue_DeadLettersAfterMaxRetries(t *testing.T) {
	_, adapter := setupTestRedis(t)
	cfg := testConfig("test:dlq")
	cfg.VisibilityTimeout = 30 * time.Millisecond
	cfg.MaxRetries = 1
	q, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	defer q.Stop(time.Second)

	require.NoError(t, q.Schedule(context.Background(), model.DeliveryTask{DispatchID: "d-dead"}))

	var calls atomic.Int32
	require.NoError(t, q.Consume(func(context.Context, *Message) error {
		calls.Add(1)
		return assert.AnError
	}))

	assert.Eventually(t, func() bool {
		stats, err := q.GetStats(context.Background())
		return err == nil && stats.DeadLetters == 1 && stats.PendingMessages == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueue_GetStatsAndPing(t *testing.T) {
	_, adapter := setupTestRedis(t)
	q, err := NewQueue(adapter, testConfig("test:stats"))
	require.NoError(t, err)
	defer q.Stop(time.Second)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := q.PublishJSON(ctx, map[string]int{"count": i}, nil)
		require.NoError(t, err)
	}

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.TotalMessages)
	assert.Equal(t, int64(0), stats.PendingMessages)
	assert.Equal(t, int64(0), stats.DeadLetters)

	assert.NoError(t, q.Ping(ctx))
}

func TestQueue_StopIsPrompt(t *testing.T) {
	_, adapter := setupTestRedis(t)
	q, err := NewQueue(adapter, testConfig("test:stop"))
	require.NoError(t, err)
	require.NoError(t, q.Consume(func(context.Context, *Message) error { return nil }))

	assert.NoError(t, q.Stop(time.Second))
}
