package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/fleetillo/dispatch-gateway/pkg/redis"
)

var (
	ErrAlreadyProcessed   = errors.New("dispatch already delivered")
	ErrLockAcquireFailed  = errors.New("failed to acquire delivery lock")
	ErrMaxRetriesExceeded = errors.New("maximum delivery attempts exceeded")
)

type IdempotencyConfig struct {
	// LockTTL bounds how long a crashed worker can block a dispatch.
	LockTTL      time.Duration
	ProcessedTTL time.Duration
	MaxRetries   int

	RetryKeyPrefix     string
	LockKeyPrefix      string
	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:            60 * time.Second,
		ProcessedTTL:       24 * time.Hour,
		MaxRetries:         3,
		RetryKeyPrefix:     "delivery:retry:",
		LockKeyPrefix:      "delivery:lock:",
		ProcessedKeyPrefix: "delivery:done:",
	}
}

// IdempotencyService guards a dispatch so only one worker delivers it at a time
// and a delivered dispatch is never sent twice.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(adapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{
		redis:  adapter,
		config: config,
	}
}

type ProcessingContext struct {
	DispatchID   string
	RetryCount   int
	IsRetry      bool
	lockValue    []byte
	lockAcquired bool
}

func (s *IdempotencyService) AcquireProcessingLock(ctx context.Context, dispatchID string) (*ProcessingContext, error) {
	done, err := s.IsProcessed(ctx, dispatchID)
	if err != nil {
		// a duplicate send is recovered by Deliver's terminal-status check
		logger.Warn("failed to check processed marker", "dispatch_id", dispatchID, "error", err)
	} else if done {
		return nil, ErrAlreadyProcessed
	}

	retryCount, err := s.GetRetryCount(ctx, dispatchID)
	if err != nil {
		logger.Warn("failed to read retry counter", "dispatch_id", dispatchID, "error", err)
	}
	if retryCount >= s.config.MaxRetries {
		return nil, fmt.Errorf("%w: dispatch_id=%s, retries=%d", ErrMaxRetriesExceeded, dispatchID, retryCount)
	}

	lockValue := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	acquired, err := s.redis.SetNX(ctx, s.config.LockKeyPrefix+dispatchID, lockValue, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		return nil, ErrLockAcquireFailed
	}

	logger.Debug("delivery lock acquired", "dispatch_id", dispatchID, "retry_count", retryCount)
	return &ProcessingContext{
		DispatchID:   dispatchID,
		RetryCount:   retryCount,
		IsRetry:      retryCount > 0,
		lockValue:    lockValue,
		lockAcquired: true,
	}, nil
}

func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	if err := s.redis.Set(ctx, s.config.ProcessedKeyPrefix+pc.DispatchID, []byte("1"), s.config.ProcessedTTL); err != nil {
		return fmt.Errorf("failed to mark dispatch processed: %w", err)
	}
	if err := s.redis.Del(ctx, s.config.LockKeyPrefix+pc.DispatchID, s.config.RetryKeyPrefix+pc.DispatchID); err != nil {
		logger.Warn("failed to clean up delivery keys", "dispatch_id", pc.DispatchID, "error", err)
	}
	pc.lockAcquired = false
	return nil
}

// MarkFailure counts the attempt and frees the lock for the next one.
func (s *IdempotencyService) MarkFailure(ctx context.Context, pc *ProcessingContext, reason error) error {
	count, err := s.redis.Incr(ctx, s.config.RetryKeyPrefix+pc.DispatchID, s.config.ProcessedTTL)
	if err != nil {
		logger.Error("failed to increment retry counter", "dispatch_id", pc.DispatchID, "error", err)
	}
	relErr := s.ReleaseLock(ctx, pc)
	logger.Warn("delivery attempt failed",
		"dispatch_id", pc.DispatchID,
		"retry_count", count,
		"max_retries", s.config.MaxRetries,
		"reason", reason)
	return relErr
}

func (s *IdempotencyService) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}
	if err := s.redis.Del(ctx, s.config.LockKeyPrefix+pc.DispatchID); err != nil {
		logger.Warn("failed to release delivery lock", "dispatch_id", pc.DispatchID, "error", err)
		return err
	}
	pc.lockAcquired = false
	return nil
}

func (s *IdempotencyService) GetRetryCount(ctx context.Context, dispatchID string) (int, error) {
	raw, err := s.redis.Get(ctx, s.config.RetryKeyPrefix+dispatchID)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("corrupt retry counter %q: %w", raw, err)
	}
	return n, nil
}

func (s *IdempotencyService) IsProcessed(ctx context.Context, dispatchID string) (bool, error) {
	n, err := s.redis.Exist(ctx, s.config.ProcessedKeyPrefix+dispatchID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
