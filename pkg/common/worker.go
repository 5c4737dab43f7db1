package common

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker queue is full")
)

// Configuration for a Worker.
type WorkerConfig[T any] struct {
	// Capacity of the task queue. Sends fail with ErrWorkerTooBusy once full.
	QueueSize int
	// Period after which OnIdle fires when no task has arrived.
	Timeout time.Duration
	// Called on the worker goroutine when Timeout elapses without a task.
	OnIdle func()
	// Called on the worker goroutine for every received task.
	OnTask func(T)
}

// Worker executes tasks sequentially on a single goroutine. It is the
// serialization point for state that must only ever be touched from one
// place: callers from any goroutine submit tasks, the worker drains them
// in order.
type Worker[T any] struct {
	queue  chan<- T
	mutex  sync.Mutex
	closed bool
}

// StartWorker spawns the worker goroutine and returns a handle for
// submitting tasks. The goroutine exits once Stop is called and the
// remaining queue is drained.
func StartWorker[T any](config WorkerConfig[T]) *Worker[T] {
	queue := make(chan T, config.QueueSize)

	go func() {
		for {
			select {
			case task, ok := <-queue:
				if !ok {
					return
				}
				config.OnTask(task)
			case <-time.After(config.Timeout):
				if config.OnIdle != nil {
					config.OnIdle()
				}
			}
		}
	}()

	return &Worker[T]{queue: queue}
}

// Send enqueues a task without blocking. Returns ErrWorkerTooBusy when the
// queue is full and ErrWorkerClosed after Stop.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}

	select {
	case w.queue <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// Stop closes the queue. Safe to call more than once.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.queue)
		w.closed = true
	}
}
