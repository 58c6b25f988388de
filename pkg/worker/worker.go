package worker

import (
	"errors"
	"sync"

	"github.com/fleetillo/dispatch-gateway/pkg/logger"
)

var ErrQueueFull = errors.New("worker queue is full")
var ErrStopped = errors.New("worker manager stopped")

type WorkerHandler = func(workerIndex int, job interface{})

// WorkerManager fans jobs from a buffered channel out to a fixed number of
// goroutines. Jobs already buffered when Exit is called are still drained.
type WorkerManager struct {
	bufferSize     int
	jobChannel     chan interface{}
	numberOfWorker int
	quit           chan struct{}
	quitOnce       sync.Once
	do             WorkerHandler
	waiter         sync.WaitGroup
	mu             sync.RWMutex
	stopped        bool
}

func NewWorkerManager(bufferSize, numberOfWorkers int, jobChannel chan interface{}) *WorkerManager {
	if numberOfWorkers <= 0 {
		numberOfWorkers = 1
	}
	if jobChannel == nil {
		jobChannel = make(chan interface{}, bufferSize)
	}
	return &WorkerManager{
		bufferSize:     bufferSize,
		numberOfWorker: numberOfWorkers,
		jobChannel:     jobChannel,
		quit:           make(chan struct{}),
	}
}

func (w *WorkerManager) GetUnreadCount() int64 {
	return int64(len(w.jobChannel))
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

// Enqueue publishes a job, blocking while the buffer is full.
func (w *WorkerManager) Enqueue(val interface{}) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrStopped
	}
	w.jobChannel <- val
	return nil
}

// TryEnqueue publishes a job without blocking.
func (w *WorkerManager) TryEnqueue(val interface{}) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrStopped
	}
	select {
	case w.jobChannel <- val:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start runs the workers and blocks until Exit is called and the buffer is drained.
func (w *WorkerManager) Start() error {
	if w.do == nil {
		return errors.New("worker handler is not set")
	}
	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go w.run(i)
	}
	w.waiter.Wait()

	return ErrStopped
}

func (w *WorkerManager) run(index int) {
	defer w.waiter.Done()
	for {
		select {
		case job := <-w.jobChannel:
			w.do(index, job)
		case <-w.quit:
			for {
				select {
				case job := <-w.jobChannel:
					w.do(index, job)
				default:
					return
				}
			}
		}
	}
}

// Exit stops accepting jobs and signals the workers to finish.
func (w *WorkerManager) Exit() {
	w.quitOnce.Do(func() {
		logger.Info("worker manager is shutting down", "pending", w.GetUnreadCount())
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.quit)
	})
}
