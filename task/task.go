// Package task provides a suspendable-computation primitive: an
// eagerly started goroutine whose result is observed through Await, whose
// ownership is either retained (Join) or transferred to the runtime
// (Detach). Go has no stackless-coroutine transform, so "suspension" here
// is simply a goroutine blocked on a channel receive; the externally
// observable contract (start immediately, resume exactly one waiter with
// a value or an error, tear down on Join or self-destruct on Detach) is
// preserved.
package task

import (
	"context"
	"errors"
	"sync"

	"github.com/gorcverbs/gorcverbs/internal/logging"
)

// ErrAlreadyDetached is returned by a second call to Detach.
var ErrAlreadyDetached = errors.New("task: already detached")

// Task is an eagerly started future producing a T or an error.
type Task[T any] struct {
	done   chan struct{}
	logger *logging.Logger

	mu       sync.Mutex
	result   T
	err      error
	detached bool
	joined   bool
}

// Option configures a Task at construction.
type Option[T any] func(*Task[T])

// WithLogger attaches a logger used to report a detached task's dropped
// error at DEBUG level.
func WithLogger[T any](l *logging.Logger) Option[T] {
	return func(t *Task[T]) { t.logger = l }
}

// Go starts fn immediately on a new goroutine and returns a handle to its
// eventual result. fn receives ctx so it can itself observe cancellation at
// its own suspension points (socket reads, QP awaitables, sub-tasks).
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts ...Option[T]) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	for _, o := range opts {
		o(t)
	}
	go func() {
		defer close(t.done)
		v, err := fn(ctx)
		t.mu.Lock()
		t.result, t.err = v, err
		detached := t.detached
		logger := t.logger
		t.mu.Unlock()
		if detached && err != nil && logger != nil {
			logger.Debug().Err(err).Log("detached task completed with error, dropping")
		}
	}()
	return t
}

// Await blocks until t completes or ctx is cancelled. If t is already
// complete, it returns synchronously without touching ctx.
func (t *Task[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
	}
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Join is Await that also asserts ownership discipline: it panics if the
// task has been detached, or if Join has already been called once. This
// mirrors the destructor-blocks-until-done contract of a joined task in a
// language with deterministic destruction; in Go, the caller must call
// Join itself since there is no destructor to do it implicitly.
func (t *Task[T]) Join(ctx context.Context) (T, error) {
	t.mu.Lock()
	if t.detached {
		t.mu.Unlock()
		panic("task: join of a detached task")
	}
	if t.joined {
		t.mu.Unlock()
		panic("task: join called twice")
	}
	t.joined = true
	t.mu.Unlock()
	return t.Await(ctx)
}

// Detach transfers ownership of t to the runtime: its result is discarded
// on completion and any error is dropped (logged at DEBUG if a logger was
// attached via WithLogger). Detach is one-shot.
func (t *Task[T]) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return ErrAlreadyDetached
	}
	t.detached = true
	return nil
}

// Done reports whether t has completed, without blocking.
func (t *Task[T]) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
