package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/campusgate/pkg/observability"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown
	ErrPoolClosed = errors.New("worker pool shut down")

	// ErrQueueFull is returned by Submit when the queue has no free slot
	ErrQueueFull = errors.New("worker pool queue full")
)

// Job is one unit of background work
type Job func(ctx context.Context) error

// Pool runs jobs on a fixed set of workers fed by a bounded queue.
// Submit never blocks: a full queue is reported to the caller.
type Pool struct {
	name    string
	timeout time.Duration
	jobs    chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	depth   atomic.Int64

	mu     sync.RWMutex
	closed bool

	logger  *observability.Logger
	onDepth func(int)
	onDone  func(error)
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithPoolLogger sets the logger for job failures and panics
func WithPoolLogger(l *observability.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithDepthHook is called with the queue length whenever it changes
func WithDepthHook(fn func(int)) PoolOption {
	return func(p *Pool) { p.onDepth = fn }
}

// WithDoneHook is called after every job with its result
func WithDoneHook(fn func(error)) PoolOption {
	return func(p *Pool) { p.onDone = fn }
}

// NewPool starts workers goroutines. Each job gets its own timeout derived from ctx.
func NewPool(ctx context.Context, name string, workers, queueSize int, timeout time.Duration, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		name:    name,
		timeout: timeout,
		jobs:    make(chan Job, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Submit queues job
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	// counted before the send so a fast worker never drives depth negative
	n := p.depth.Add(1)
	select {
	case p.jobs <- job:
		p.reportDepth(n)
		return nil
	default:
		p.depth.Add(-1)
		return ErrQueueFull
	}
}

// Depth returns the number of queued jobs not yet picked up by a worker
func (p *Pool) Depth() int {
	return int(p.depth.Load())
}

// Shutdown stops accepting jobs and waits up to timeout for queued jobs to
// finish. Jobs still running after timeout see their context cancelled.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("%s pool shutdown timed out after %v", p.name, timeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.reportDepth(p.depth.Add(-1))
		err := p.run(job)
		if err != nil {
			p.logger.WithError(err).WithFields(map[string]interface{}{
				"pool":   p.name,
				"worker": id,
			}).Warn("Background job failed")
		}
		if p.onDone != nil {
			p.onDone(err)
		}
	}
}

func (p *Pool) run(job Job) (err error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("stack", string(debug.Stack())).Errorf("Panic in %s job: %v", p.name, r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

func (p *Pool) reportDepth(n int64) {
	if p.onDepth != nil {
		p.onDepth(int(n))
	}
}
