// Package worker runs fire-and-forget jobs on a bounded queue. Audience
// fan-out and billing emission go through here so a slow downstream applies
// back-pressure instead of spawning detached goroutines.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/observability"
)

// Job is one unit of background work. The context is the pool's run context.
type Job func(ctx context.Context)

// Pool is a fixed set of workers draining a bounded queue.
type Pool struct {
	queue   chan Job
	workers int
	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewPool sizes the queue and worker set.
func NewPool(workers, queueSize int, logger *zap.Logger, metrics observability.MetricsRegistry) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		queue:   make(chan Job, queueSize),
		logger:  logger,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	p.workers = workers
	return p
}

// Start launches the workers. Safe to call once; jobs submitted before Start
// wait in the queue.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.run(ctx, i)
		}
	})
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case job := <-p.queue:
					p.exec(ctx, job, id)
				default:
					return
				}
			}
		case job := <-p.queue:
			p.exec(ctx, job, id)
			p.metrics.SetWorkerQueueDepth(len(p.queue))
		}
	}
}

func (p *Pool) exec(ctx context.Context, job Job, id int) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker job panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	job(ctx)
}

// Submit enqueues a job without blocking. A full queue drops the job and
// reports false; callers treat that as telemetry loss, never state loss.
func (p *Pool) Submit(job Job) bool {
	select {
	case p.queue <- job:
		p.metrics.SetWorkerQueueDepth(len(p.queue))
		return true
	default:
		p.metrics.IncrementWorkerJobsDropped()
		p.logger.Warn("worker queue full, job dropped")
		return false
	}
}

// Stop drains the queue and waits for in-flight jobs.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}
