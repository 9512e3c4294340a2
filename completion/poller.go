package completion

import (
	"context"
	"runtime"

	"github.com/gorcverbs/gorcverbs/internal/logging"
	"github.com/gorcverbs/gorcverbs/verbs"
)

// DefaultPollBatchSize is the number of completions PollBatch is asked
// for per iteration.
const DefaultPollBatchSize = 16

// PollerConfig configures a Poller.
type PollerConfig struct {
	BatchSize int
	Logger    *logging.Logger
}

// Poller runs a dedicated goroutine draining a single verbs.CQ and routes
// each WorkCompletion to the callback its wr_id was registered under, via
// an Executor so a slow callback never blocks polling. A CQ must have at
// most one Poller.
type Poller struct {
	cq       *verbs.CQ
	registry *CallbackRegistry
	executor *Executor
	logger   *logging.Logger
	batch    int

	stop context.CancelFunc
	done chan struct{}
}

// NewPoller builds a Poller over cq, routing completions through registry
// and executor.
func NewPoller(cq *verbs.CQ, registry *CallbackRegistry, executor *Executor, cfg PollerConfig) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPollBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	return &Poller{cq: cq, registry: registry, executor: executor, logger: cfg.Logger, batch: cfg.BatchSize}
}

// Start runs Run on a dedicated goroutine. Pair with Stop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.stop = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		_ = p.Run(ctx)
	}()
}

// Stop signals the polling goroutine and waits for it to return. It must
// complete before the Executor is closed: a joined poller can no longer
// submit to a closed queue.
func (p *Poller) Stop() {
	if p.stop == nil {
		return
	}
	p.stop()
	<-p.done
}

// Run polls cq until ctx is cancelled. It busy-polls between empty
// batches, yielding the processor rather than sleeping, matching a real
// CQ poller's latency-over-CPU tradeoff.
func (p *Poller) Run(ctx context.Context) error {
	buf := make([]verbs.WorkCompletion, p.batch)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := p.cq.PollBatch(buf)
		if err != nil {
			p.logger.Err().Err(err).Log("cq poll failed")
			return err
		}
		if n == 0 {
			runtime.Gosched()
			continue
		}

		for i := 0; i < n; i++ {
			wc := buf[i]
			cb, ok := p.registry.Take(wc.WRID)
			if !ok {
				p.logger.Warning().Uint64("wr_id", wc.WRID).Log("completion for unregistered wr_id")
				continue
			}
			if err := p.executor.Submit(ctx, func() { cb(wc) }); err != nil {
				return err
			}
		}
	}
}
