package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPoolClosed is returned by Enqueue after Shutdown has begun.
	ErrPoolClosed = errors.New("thread pool is shut down")
	// ErrQueueFull is returned when the target deque and its fallback are
	// both at capacity.
	ErrQueueFull = errors.New("all task queues are at capacity")
	// ErrFutureTimeout is returned by Future.Get when the task does not
	// complete within the wait budget.
	ErrFutureTimeout = errors.New("timed out waiting for task result")
)

// task is the unit of work carried through the deques. run returns the
// task error (a recovered panic counts); the worker uses it only for
// failure accounting, the submitter sees it through the future.
type task struct {
	run      func() error
	priority Priority

	submittedAt time.Time
	startedAt   time.Time
	completedAt time.Time
}

// Future is a one-shot result cell for a submitted task. It is fulfilled
// exactly once; Get may be called from any goroutine, any number of times.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(val T, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Done returns a channel closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the task completes or the timeout elapses. A panic
// inside the task surfaces here as an error.
func (f *Future[T]) Get(timeout time.Duration) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-time.After(timeout):
		var zero T
		return zero, ErrFutureTimeout
	}
}

// Submit binds fn into a task at the given priority and returns its future.
// Enqueue failures (shutdown, capacity) are synchronous and distinct from
// task errors, which travel through the future.
func Submit[T any](p *Pool, prio Priority, fn func() (T, error)) (*Future[T], error) {
	f := newFuture[T]()
	err := p.Enqueue(prio, func() (taskErr error) {
		defer func() {
			if r := recover(); r != nil {
				taskErr = fmt.Errorf("task panic: %v", r)
				var zero T
				f.complete(zero, taskErr)
			}
		}()
		v, err := fn()
		f.complete(v, err)
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}
