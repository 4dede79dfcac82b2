// Package dispatch hands extraction jobs to background workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrQueueFull  = errors.New("dispatch queue is full")
	ErrPoolClosed = errors.New("dispatch pool is closed")
)

// Task identifies one extraction job.
type Task struct {
	JobID     string `json:"job_id"`
	ReceiptID int64  `json:"lr_id"`
}

// Dispatcher schedules a task for background execution without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

type Handler func(ctx context.Context, task Task)

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	handler Handler
	workers int
	queue   chan Task
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	countMu  sync.Mutex
	idle     *sync.Cond
	inflight int

	wg sync.WaitGroup
}

type PoolOption func(*Pool)

func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.queue = make(chan Task, n)
		}
	}
}

func WithLogger(logger *zap.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool starts the worker goroutines immediately.
func NewPool(handler Handler, opts ...PoolOption) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		handler: handler,
		workers: 4,
		queue:   make(chan Task, 64),
		logger:  zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.idle = sync.NewCond(&p.countMu)

	for range p.workers {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

// Dispatch enqueues task and returns at once. A full queue yields
// ErrQueueFull rather than blocking the caller.
func (p *Pool) Dispatch(_ context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.track(1)
	select {
	case p.queue <- task:
		return nil
	default:
		p.track(-1)
		return fmt.Errorf("job %s: %w", task.JobID, ErrQueueFull)
	}
}

// Wait blocks until every accepted task has finished.
func (p *Pool) Wait() {
	p.countMu.Lock()
	for p.inflight > 0 {
		p.idle.Wait()
	}
	p.countMu.Unlock()
}

// Pending reports accepted tasks that have not finished yet.
func (p *Pool) Pending() int {
	p.countMu.Lock()
	defer p.countMu.Unlock()
	return p.inflight
}

// Stop refuses new tasks and drains the queue. When ctx expires first, the
// context handed to running tasks is cancelled and Stop waits for them to
// return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("dispatch pool drained")
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("dispatch pool drain timed out, cancelling running tasks", zap.Int("pending", p.Pending()))
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer p.track(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dispatch task panicked",
				zap.String("job_id", task.JobID),
				zap.Int64("lr_id", task.ReceiptID),
				zap.Any("panic", r),
			)
		}
	}()
	p.handler(p.ctx, task)
}

func (p *Pool) track(delta int) {
	p.countMu.Lock()
	p.inflight += delta
	if p.inflight == 0 {
		p.idle.Broadcast()
	}
	p.countMu.Unlock()
}
