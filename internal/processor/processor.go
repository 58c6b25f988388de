package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/queue"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/fleetillo/dispatch-gateway/pkg/redis"
	"github.com/fleetillo/dispatch-gateway/pkg/worker"
)

const (
	DefaultMetricsInterval = 30 * time.Second
	DefaultHealthInterval  = 30 * time.Second
	ShutdownTimeout        = time.Minute
	highLagThreshold       = 10_000
)

type ProcessorConfig struct {
	Queue           queue.QueueConfig
	Workers         int
	Buffer          int
	TaskTimeout     time.Duration
	MetricsInterval time.Duration
	HealthInterval  time.Duration
}

// ProcessorService consumes delivery tasks from the stream and runs them on a worker pool.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	config    ProcessorConfig
	processor *DeliveryProcessor
	queue     *queue.Queue
	worker    *worker.WorkerManager
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewProcessorService(adapter redis.RedisAdapter, processor *DeliveryProcessor, config ProcessorConfig) (*ProcessorService, error) {
	if processor == nil {
		return nil, errors.New("delivery processor is required")
	}
	if config.Workers <= 0 {
		config.Workers = 20
	}
	if config.Buffer <= 0 {
		config.Buffer = 1000
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 45 * time.Second
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = DefaultMetricsInterval
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = DefaultHealthInterval
	}

	q, err := queue.NewQueue(adapter, config.Queue)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorService{
		adapter:   adapter,
		config:    config,
		processor: processor,
		queue:     q,
		worker:    worker.NewWorkerManager(config.Buffer, config.Workers, nil),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (s *ProcessorService) Queue() *queue.Queue {
	return s.queue
}

func (s *ProcessorService) Start() error {
	logger.Info("starting delivery processor", "queue", s.queue.Name(), "workers", s.config.Workers)

	s.worker.SetWorker(s.workerHandler)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil && !errors.Is(err, worker.ErrStopped) {
			logger.Error("worker manager stopped", "error", err)
		}
	}()

	if err := s.queue.Consume(s.messageHandler); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	s.wg.Add(2)
	go s.every(s.config.MetricsInterval, s.reportMetrics)
	go s.every(s.config.HealthInterval, s.performHealthCheck)
	return nil
}

func (s *ProcessorService) every(interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	m := s.processor.Metrics().Snapshot()
	logger.Info("delivery metrics",
		"processed", m.Processed,
		"failed", m.Failed,
		"skipped", m.Skipped,
		"rate_per_second", m.RatePerSecond,
		"avg_duration_ms", m.AvgDuration.Milliseconds(),
		"uptime_seconds", int64(m.Uptime.Seconds()))

	if stats, err := s.queue.GetStats(context.Background()); err == nil {
		logger.Info("queue stats", "queue", s.queue.Name(), "total", stats.TotalMessages, "pending", stats.PendingMessages, "dead_letters", stats.DeadLetters)
	}
}

func (s *ProcessorService) performHealthCheck() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("health check failed: redis unreachable", "error", err)
		return
	}
	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		logger.Warn("health check: queue stats unavailable", "error", err)
		return
	}
	if stats.PendingMessages > highLagThreshold {
		logger.Warn("health check: queue has high lag", "pending", stats.PendingMessages)
	}
	logger.Debug("health check ok")
}

func (s *ProcessorService) Stop() {
	logger.Info("shutting down delivery processor")
	s.cancel()

	if err := s.queue.Stop(ShutdownTimeout); err != nil {
		logger.Error("error stopping queue", "error", err)
	}
	s.worker.Exit()
	s.wg.Wait()

	s.reportMetrics()
	logger.Info("delivery processor stopped")
}

type job struct {
	ctx    context.Context
	msg    *queue.Message
	result chan error
}

// messageHandler hands the message to the pool and waits so the stream ack
// reflects the delivery outcome.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	jobCtx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	defer cancel()

	j := &job{ctx: jobCtx, msg: msg, result: make(chan error, 1)}
	if err := s.worker.Enqueue(j); err != nil {
		return err
	}

	select {
	case err := <-j.result:
		return err
	case <-jobCtx.Done():
		return fmt.Errorf("timeout waiting for worker: %w", jobCtx.Err())
	}
}

func (s *ProcessorService) workerHandler(workerIndex int, payload interface{}) {
	j, ok := payload.(*job)
	if !ok {
		logger.Error("invalid job type in worker", "worker", workerIndex)
		return
	}
	if j.ctx.Err() != nil {
		logger.Warn("job expired before processing", "worker", workerIndex, "entry_id", j.msg.ID)
		return
	}
	// result is buffered so a timed out caller never blocks the worker
	j.result <- s.processor.HandleMessage(j.ctx, j.msg)
}
