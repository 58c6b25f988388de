package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/internal/queue"
	"github.com/fleetillo/dispatch-gateway/internal/services"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
)

type Deliverer interface {
	Deliver(ctx context.Context, dispatchID string) error
}

// DeliveryProcessor runs one delivery task, optionally behind the idempotency guard.
type DeliveryProcessor struct {
	deliverer   Deliverer
	idempotency *IdempotencyService
	metrics     *ServiceMetrics
}

func NewDeliveryProcessor(deliverer Deliverer, idempotency *IdempotencyService) *DeliveryProcessor {
	return &DeliveryProcessor{
		deliverer:   deliverer,
		idempotency: idempotency,
		metrics:     NewServiceMetrics(),
	}
}

func (p *DeliveryProcessor) Metrics() *ServiceMetrics {
	return p.metrics
}

// Process delivers the task's dispatch. A nil return means the task is settled
// and must not be retried.
func (p *DeliveryProcessor) Process(ctx context.Context, task model.DeliveryTask) error {
	if task.DispatchID == "" {
		logger.Warn("delivery task without dispatch id dropped")
		p.metrics.RecordSkip()
		return nil
	}

	var pc *ProcessingContext
	if p.idempotency != nil {
		var err error
		pc, err = p.idempotency.AcquireProcessingLock(ctx, task.DispatchID)
		switch {
		case errors.Is(err, ErrAlreadyProcessed):
			logger.Debug("dispatch already delivered, skipping", "dispatch_id", task.DispatchID)
			p.metrics.RecordSkip()
			return nil
		case errors.Is(err, ErrMaxRetriesExceeded):
			logger.Error("giving up on dispatch", "dispatch_id", task.DispatchID, "error", err)
			p.metrics.RecordFailure()
			return nil
		case err != nil:
			return err
		}
	}

	start := time.Now()
	err := p.deliverer.Deliver(ctx, task.DispatchID)
	switch {
	case errors.Is(err, services.ErrDispatchNotFound):
		logger.Warn("dispatch not found, dropping task", "dispatch_id", task.DispatchID)
		p.metrics.RecordSkip()
		if pc != nil {
			_ = p.idempotency.ReleaseLock(ctx, pc)
		}
		return nil
	case err != nil:
		p.metrics.RecordFailure()
		if pc != nil {
			_ = p.idempotency.MarkFailure(ctx, pc, err)
		}
		return fmt.Errorf("deliver dispatch %s: %w", task.DispatchID, err)
	}

	p.metrics.RecordSuccess(time.Since(start))
	if pc != nil {
		if err := p.idempotency.MarkSuccess(ctx, pc); err != nil {
			logger.Warn("failed to record delivered dispatch", "dispatch_id", task.DispatchID, "error", err)
		}
	}
	logger.Info("dispatch delivered", "dispatch_id", task.DispatchID, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// HandleMessage adapts Process to the stream consumer.
func (p *DeliveryProcessor) HandleMessage(ctx context.Context, msg *queue.Message) error {
	var task model.DeliveryTask
	if err := msg.Decode(&task); err != nil {
		logger.Error("undecodable delivery task dropped", "entry_id", msg.ID, "error", err)
		p.metrics.RecordSkip()
		return nil
	}
	if msg.Attempts > 0 {
		logger.Info("retrying delivery task", "dispatch_id", task.DispatchID, "attempts", msg.Attempts)
	}
	return p.Process(ctx, task)
}
