package completion

import (
	"context"
	"sync"

	"github.com/gorcverbs/gorcverbs/internal/logging"
)

// DefaultWorkerCount is the Executor's default fixed pool size.
const DefaultWorkerCount = 4

// DefaultQueueDepth is the Executor's default bounded-queue depth. A full
// queue blocks the submitting poller, bounding memory under bursts.
const DefaultQueueDepth = 1024

// ExecutorConfig configures Executor dimensions.
type ExecutorConfig struct {
	WorkerCount int
	QueueDepth  int
	Logger      *logging.Logger
}

// Executor is a fixed worker pool draining a bounded job queue. Jobs are
// submitted by a Poller, one per delivered completion, so a slow or
// blocking callback cannot stall CQ polling: it only ever occupies one
// worker goroutine and, once the queue is full, applies back-pressure to
// the poller instead of growing without bound.
type Executor struct {
	jobs   chan func()
	logger *logging.Logger

	wg sync.WaitGroup
}

// NewExecutor starts cfg.WorkerCount workers (default DefaultWorkerCount)
// reading from a queue of depth cfg.QueueDepth (default DefaultQueueDepth).
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}

	e := &Executor{
		jobs:   make(chan func(), cfg.QueueDepth),
		logger: cfg.Logger,
	}
	e.wg.Add(cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for job := range e.jobs {
		job()
	}
}

// Submit enqueues job, blocking if the queue is full (the back-pressure
// path). Returns ctx.Err() if ctx is cancelled before a slot frees up.
func (e *Executor) Submit(ctx context.Context, job func()) error {
	select {
	case e.jobs <- job:
		return nil
	default:
	}

	e.logger.Debug().Log("completion executor queue full, blocking submitter")

	select {
	case e.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new jobs and waits for in-flight and queued jobs
// to drain.
func (e *Executor) Close() {
	close(e.jobs)
	e.wg.Wait()
}
