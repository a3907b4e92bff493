// Package executor implements the process-wide reusable pool registry:
// named profiles, parallel_map/parallel_apply, and an optional dynamic load
// balancer.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is a unit of work submitted to a Pool.
type Task interface {
	Execute(ctx context.Context) error
	ID() string
}

// Pool manages a bounded set of workers draining a task queue. Adapted
// directly from the teacher's worker.Pool: dispatcher goroutine, a
// semaphore bounding concurrent workers, and panic recovery per task.
type Pool struct {
	name          string
	maxWorkers    int
	queueSize     int
	taskQueue     chan Task
	semaphore     chan struct{}
	activeWorkers atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onTaskPanic func(task Task, recovered interface{})
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	QueueSize   int
	OnTaskPanic func(task Task, recovered interface{})
}

// NewPool creates a new bounded worker pool.
func NewPool(config PoolConfig) *Pool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 10
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.Name == "" {
		config.Name = "executor-pool"
	}

	return &Pool{
		name:        config.Name,
		maxWorkers:  config.MaxWorkers,
		queueSize:   config.QueueSize,
		taskQueue:   make(chan Task, config.QueueSize),
		semaphore:   make(chan struct{}, config.MaxWorkers),
		onTaskPanic: config.OnTaskPanic,
	}
}

// Start begins the pool's dispatcher goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatcher()
	}()

	log.Debug().Str("pool", p.name).Int("max_workers", p.maxWorkers).Msg("executor pool started")
}

// Stop stops accepting new tasks and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	close(p.taskQueue)
	p.wg.Wait()
}

// Submit enqueues task without blocking; returns false if the queue is full.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.taskQueue <- task:
		return true
	default:
		log.Warn().Str("pool", p.name).Str("task_id", task.ID()).Msg("task queue full, dropping task")
		return false
	}
}

// SubmitWait enqueues task, blocking until space is available or ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// ActiveWorkers returns the number of currently busy workers.
func (p *Pool) ActiveWorkers() int {
	return int(p.activeWorkers.Load())
}

// QueueLength returns the number of queued, not-yet-started tasks.
func (p *Pool) QueueLength() int {
	return len(p.taskQueue)
}

func (p *Pool) dispatcher() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}

			p.semaphore <- struct{}{}
			p.activeWorkers.Add(1)

			p.wg.Add(1)
			go func(t Task) {
				defer p.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						log.Error().Str("pool", p.name).Str("task_id", t.ID()).Interface("panic", r).Msg("executor task panic recovered")
						if p.onTaskPanic != nil {
							p.onTaskPanic(t, r)
						}
					}
					<-p.semaphore
					p.activeWorkers.Add(-1)
				}()

				start := time.Now()
				if err := t.Execute(p.ctx); err != nil {
					log.Error().Str("pool", p.name).Str("task_id", t.ID()).Err(err).Dur("duration", time.Since(start)).Msg("executor task failed")
				}
			}(task)
		}
	}
}
