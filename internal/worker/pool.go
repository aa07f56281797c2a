// Package worker runs background grading jobs on a bounded pool.
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned when submitting to a pool that is shutting down.
var ErrPoolClosed = errors.New("worker pool closed")

// ErrQueueFull is returned by TrySubmit when no slot is free.
var ErrQueueFull = errors.New("worker queue full")

// Job is a unit of background work.
type Job interface {
	Name() string
	Execute(ctx context.Context) error
}

// JobFunc adapts a function into a Job.
type JobFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

// Name returns the job label.
func (j JobFunc) Name() string { return j.Label }

// Execute runs the function.
func (j JobFunc) Execute(ctx context.Context) error { return j.Fn(ctx) }

// Pool is a fixed set of goroutines draining a buffered queue.
type Pool struct {
	workers  int
	jobQueue chan Job
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   zerolog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewPool starts a pool. A non-positive size uses three quarters of the CPUs
// and a non-positive queue size buffers twice the worker count.
func NewPool(ctx context.Context, size, queueSize int, logger zerolog.Logger) *Pool {
	if size <= 0 {
		total := runtime.NumCPU()
		size = total - max(1, total/4)
		if size < 1 {
			size = 1
		}
	}
	if queueSize <= 0 {
		queueSize = size * 2
	}

	poolCtx, cancel := context.WithCancel(ctx)
	pool := &Pool{
		workers:  size,
		jobQueue: make(chan Job, queueSize),
		ctx:      poolCtx,
		cancel:   cancel,
		logger:   logger.With().Str("component", "worker_pool").Logger(),
	}

	pool.logger.Info().Int("workers", size).Int("queue", queueSize).Msg("worker pool started")

	for i := 0; i < pool.workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobQueue {
		if p.ctx.Err() != nil {
			return
		}
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job Job) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error().Interface("panic", recovered).Str("job", job.Name()).Int("worker", id).Msg("job panicked")
		}
	}()

	if err := job.Execute(p.ctx); err != nil {
		p.logger.Error().Err(err).Str("job", job.Name()).Int("worker", id).Msg("job failed")
	}
}

// Submit blocks until the job is queued or the pool stops.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	case p.jobQueue <- job:
		return nil
	}
}

// TrySubmit queues the job only if a slot is free.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting work, lets queued jobs finish and waits for workers.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobQueue)
		p.mu.Unlock()
		p.wg.Wait()
		p.cancel()
	})
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.workers
}
