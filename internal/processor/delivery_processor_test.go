package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/internal/queue"
	"github.com/fleetillo/dispatch-gateway/internal/services"
)

type MockDeliverer struct {
	mock.Mock
}

func (m *MockDeliverer) Deliver(ctx context.Context, dispatchID string) error {
	return m.Called(ctx, dispatchID).Error(0)
}

// countingDeliverer records calls without expectations, for pool tests.
type countingDeliverer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *countingDeliverer) Deliver(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, id)
	return d.err
}

func (d *countingDeliverer) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func TestDeliveryProcessor_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers without guard", func(t *testing.T) {
		d := new(MockDeliverer)
		d.On("Deliver", mock.Anything, "d-1").Return(nil)

		p := NewDeliveryProcessor(d, nil)
		require.NoError(t, p.Process(ctx, model.DeliveryTask{DispatchID: "d-1"}))
		assert.Equal(t, int64(1), p.Metrics().Snapshot().Processed)
		d.AssertExpectations(t)
	})

	t.Run("empty dispatch id skipped", func(t *testing.T) {
		d := new(MockDeliverer)
		p := NewDeliveryProcessor(d, nil)
		require.NoError(t, p.Process(ctx, model.DeliveryTask{}))
		assert.Equal(t, int64(1), p.Metrics().Snapshot().Skipped)
		d.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
	})

	t.Run("unknown dispatch settles", func(t *testing.T) {
		d := new(MockDeliverer)
		d.On("Deliver", mock.Anything, "gone").Return(services.ErrDispatchNotFound)
		p := NewDeliveryProcessor(d, nil)
		assert.NoError(t, p.Process(ctx, model.DeliveryTask{DispatchID: "gone"}))
	})

	t.Run("storage error is retried", func(t *testing.T) {
		d := new(MockDeliverer)
		d.On("Deliver", mock.Anything, "d-2").Return(assert.AnError)
		p := NewDeliveryProcessor(d, nil)
		err := p.Process(ctx, model.DeliveryTask{DispatchID: "d-2"})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, int64(1), p.Metrics().Snapshot().Failed)
	})
}

func TestDeliveryProcessor_Idempotent(t *testing.T) {
	_, adapter := setupTestRedis(t)
	ctx := context.Background()
	idem := NewIdempotencyService(adapter, DefaultIdempotencyConfig())

	d := new(MockDeliverer)
	d.On("Deliver", mock.Anything, "d-1").Return(nil).Once()

	p := NewDeliveryProcessor(d, idem)
	require.NoError(t, p.Process(ctx, model.DeliveryTask{DispatchID: "d-1"}))
	require.NoError(t, p.Process(ctx, model.DeliveryTask{DispatchID: "d-1"}))

	d.AssertNumberOfCalls(t, "Deliver", 1)
	assert.Equal(t, int64(1), p.Metrics().Snapshot().Skipped)
}

func TestDeliveryProcessor_GivesUpAfterMaxRetries(t *testing.T) {
	_, adapter := setupTestRedis(t)
	ctx := context.Background()
	cfg := DefaultIdempotencyConfig()
	cfg.MaxRetries = 2
	idem := NewIdempotencyService(adapter, cfg)

	d := new(MockDeliverer)
	d.On("Deliver", mock.Anything, "d-5").Return(assert.AnError)

	p := NewDeliveryProcessor(d, idem)
	assert.Error(t, p.Process(ctx, model.DeliveryTask{DispatchID: "d-5"}))
	assert.Error(t, p.Process(ctx, model.DeliveryTask{DispatchID: "d-5"}))
	assert.NoError(t, p.Process(ctx, model.DeliveryTask{DispatchID: "d-5"}))
	d.AssertNumberOfCalls(t, "Deliver", 2)
}

func TestDeliveryProcessor_HandleMessage(t *testing.T) {
	d := new(MockDeliverer)
	d.On("Deliver", mock.Anything, "d-9").Return(nil)
	p := NewDeliveryProcessor(d, nil)

	msg := &queue.Message{ID: "1-0", Data: []byte(`{"dispatch_id":"d-9","created_at":"2025-01-15T08:00:00Z"}`), Attempts: 1}
	require.NoError(t, p.HandleMessage(context.Background(), msg))
	d.AssertExpectations(t)

	bad := &queue.Message{ID: "2-0", Data: []byte(`{`)}
	assert.NoError(t, p.HandleMessage(context.Background(), bad))
	assert.Equal(t, int64(1), p.Metrics().Snapshot().Skipped)
}

func TestInlineScheduler(t *testing.T) {
	d := &countingDeliverer{}
	s := NewInlineScheduler(NewDeliveryProcessor(d, nil), 2, 10, time.Second)
	s.Start()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Schedule(context.Background(), model.DeliveryTask{DispatchID: id}))
	}
	assert.Eventually(t, func() bool { return len(d.Calls()) == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(time.Second))
	assert.Error(t, s.Schedule(context.Background(), model.DeliveryTask{DispatchID: "late"}))
}

func TestInlineScheduler_Full(t *testing.T) {
	// never started, so the buffer only fills
	s := NewInlineScheduler(NewDeliveryProcessor(&countingDeliverer{}, nil), 1, 1, time.Second)
	require.NoError(t, s.Schedule(context.Background(), model.DeliveryTask{DispatchID: "a"}))
	err := s.Schedule(context.Background(), model.DeliveryTask{DispatchID: "b"})
	assert.ErrorIs(t, err, ErrSchedulerBusy)
}

func TestProcessorService_ConsumesQueue(t *testing.T) {
	_, adapter := setupTestRedis(t)
	d := &countingDeliverer{}
	svc, err := NewProcessorService(adapter, NewDeliveryProcessor(d, nil), ProcessorConfig{
		Queue: queue.QueueConfig{
			Name:         "test:processor",
			ConsumerName: "p",
			PollInterval: 20 * time.Millisecond,
		},
		Workers:     2,
		TaskTimeout: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start())

	ctx := context.Background()
	require.NoError(t, svc.Queue().Schedule(ctx, model.DeliveryTask{DispatchID: "q-1"}))
	require.NoError(t, svc.Queue().Schedule(ctx, model.DeliveryTask{DispatchID: "q-2"}))

	assert.Eventually(t, func() bool { return len(d.Calls()) == 2 }, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		stats, err := svc.Queue().GetStats(ctx)
		return err == nil && stats.PendingMessages == 0
	}, 2*time.Second, 20*time.Millisecond)

	svc.Stop()
	assert.ElementsMatch(t, []string{"q-1", "q-2"}, d.Calls())
}

func TestNewProcessorService_RequiresProcessor(t *testing.T) {
	_, adapter := setupTestRedis(t)
	_, err := NewProcessorService(adapter, nil, ProcessorConfig{})
	assert.Error(t, err)
}
