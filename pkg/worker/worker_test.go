package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerManager_ProcessesJobs(t *testing.T) {
	w := NewWorkerManager(10, 3, nil)

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(5)
	w.SetWorker(func(_ int, job interface{}) {
		count.Add(int32(job.(int)))
		wg.Done()
	})

	done := make(chan error, 1)
	go func() { done <- w.Start() }()

	for i := 1; i <= 5; i++ {
		require.NoError(t, w.Enqueue(i))
	}
	wg.Wait()
	assert.Equal(t, int32(15), count.Load())

	w.Exit()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestWorkerManager_RejectsAfterExit(t *testing.T) {
	w := NewWorkerManager(1, 1, nil)
	w.Exit()

	assert.ErrorIs(t, w.Enqueue(1), ErrStopped)
	assert.ErrorIs(t, w.TryEnqueue(1), ErrStopped)
}

func TestWorkerManager_TryEnqueueFull(t *testing.T) {
	w := NewWorkerManager(1, 1, nil)

	require.NoError(t, w.TryEnqueue(1))
	assert.ErrorIs(t, w.TryEnqueue(2), ErrQueueFull)
	assert.Equal(t, int64(1), w.GetUnreadCount())
}

func TestWorkerManager_StartWithoutHandler(t *testing.T) {
	w := NewWorkerManager(1, 1, nil)
	assert.Error(t, w.Start())
}
