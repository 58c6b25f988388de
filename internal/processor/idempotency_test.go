package processor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetillo/dispatch-gateway/pkg/redis"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)
	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return mr, adapter
}

func TestIdempotency_AcquireLock(t *testing.T) {
	_, adapter := setupTestRedis(t)
	svc := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
	ctx := context.Background()

	pc, err := svc.AcquireProcessingLock(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", pc.DispatchID)
	assert.False(t, pc.IsRetry)

	_, err = svc.AcquireProcessingLock(ctx, "d-1")
	assert.ErrorIs(t, err, ErrLockAcquireFailed)

	require.NoError(t, svc.ReleaseLock(ctx, pc))
	_, err = svc.AcquireProcessingLock(ctx, "d-1")
	assert.NoError(t, err)
}

func TestIdempotency_MarkSuccess(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	svc := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
	ctx := context.Background()

	pc, err := svc.AcquireProcessingLock(ctx, "d-2")
	require.NoError(t, err)
	require.NoError(t, svc.MarkSuccess(ctx, pc))

	done, err := svc.IsProcessed(ctx, "d-2")
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, mr.Exists("delivery:lock:d-2"))

	_, err = svc.AcquireProcessingLock(ctx, "d-2")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestIdempotency_FailuresCountTowardLimit(t *testing.T) {
	_, adapter := setupTestRedis(t)
	cfg := DefaultIdempotencyConfig()
	cfg.MaxRetries = 2
	svc := NewIdempotencyService(adapter, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		pc, err := svc.AcquireProcessingLock(ctx, "d-3")
		require.NoError(t, err)
		assert.Equal(t, i, pc.RetryCount)
		assert.Equal(t, i > 0, pc.IsRetry)
		require.NoError(t, svc.MarkFailure(ctx, pc, assert.AnError))
	}

	count, err := svc.GetRetryCount(ctx, "d-3")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = svc.AcquireProcessingLock(ctx, "d-3")
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
}

func TestIdempotency_LockExpires(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	cfg := DefaultIdempotencyConfig()
	cfg.LockTTL = 5 * time.Second
	svc := NewIdempotencyService(adapter, cfg)
	ctx := context.Background()

	_, err := svc.AcquireProcessingLock(ctx, "d-4")
	require.NoError(t, err)

	mr.FastForward(6 * time.Second)
	_, err = svc.AcquireProcessingLock(ctx, "d-4")
	assert.NoError(t, err)
}

func TestIdempotency_ReleaseNil(t *testing.T) {
	_, adapter := setupTestRedis(t)
	svc := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
	assert.NoError(t, svc.ReleaseLock(context.Background(), nil))
}
