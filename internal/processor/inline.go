package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/fleetillo/dispatch-gateway/pkg/worker"
)

var ErrSchedulerBusy = errors.New("delivery scheduler is at capacity")

// InlineScheduler delivers dispatches in-process on a bounded worker pool.
type InlineScheduler struct {
	processor *DeliveryProcessor
	worker    *worker.WorkerManager
	timeout   time.Duration
	done      chan struct{}
}

func NewInlineScheduler(processor *DeliveryProcessor, workers, buffer int, timeout time.Duration) *InlineScheduler {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	s := &InlineScheduler{
		processor: processor,
		worker:    worker.NewWorkerManager(buffer, workers, nil),
		timeout:   timeout,
		done:      make(chan struct{}),
	}
	s.worker.SetWorker(s.run)
	return s
}

func (s *InlineScheduler) Start() {
	go func() {
		defer close(s.done)
		if err := s.worker.Start(); err != nil && !errors.Is(err, worker.ErrStopped) {
			logger.Error("inline delivery workers stopped", "error", err)
		}
	}()
}

// Schedule hands the task to the pool without waiting for delivery.
func (s *InlineScheduler) Schedule(_ context.Context, task model.DeliveryTask) error {
	err := s.worker.TryEnqueue(task)
	switch {
	case errors.Is(err, worker.ErrQueueFull):
		return fmt.Errorf("%w: dispatch_id=%s", ErrSchedulerBusy, task.DispatchID)
	case err != nil:
		return err
	}
	return nil
}

func (s *InlineScheduler) run(workerIndex int, job interface{}) {
	task, ok := job.(model.DeliveryTask)
	if !ok {
		logger.Error("invalid job type in delivery worker", "worker", workerIndex)
		return
	}
	// the originating request is gone by now
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.processor.Process(ctx, task); err != nil {
		logger.Error("inline delivery failed", "worker", workerIndex, "dispatch_id", task.DispatchID, "error", err)
	}
}

// Stop drains buffered tasks and waits up to timeout for the workers.
func (s *InlineScheduler) Stop(timeout time.Duration) error {
	s.worker.Exit()
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for delivery workers")
	}
}
