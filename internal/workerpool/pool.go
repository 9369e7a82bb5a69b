// Package workerpool runs inbound tweak executions off the channel read loop
// so a slow tweak never delays heartbeats.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/tweakagent/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work. ctx is cancelled once the pool finishes draining,
// so a task that outlives the drain deadline is told to stop.
type Task func(ctx context.Context)

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	queue    chan Task
	wg       sync.WaitGroup
	mu       sync.RWMutex // guards accepting against the queue close
	closed   bool
	inFlight atomic.Int64
	rejected atomic.Int64
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopChan chan struct{}
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:    make(chan Task, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Info("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task. It returns false when the pool is stopped or the
// queue is full; the caller decides how to report the rejection.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		p.rejected.Add(1)
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// Context is the context passed to every task.
func (p *Pool) Context() context.Context { return p.ctx }

// InFlight returns the number of queued and running tasks.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Rejected returns how many submissions were refused.
func (p *Pool) Rejected() int64 { return p.rejected.Load() }

// StopAccepting refuses new submissions. Queued tasks still run.
func (p *Pool) StopAccepting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}

// Drain stops accepting, then waits for queued and running tasks until ctx
// expires. The task context is cancelled when Drain returns.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() { close(p.stopChan) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "inFlight", p.inFlight.Load())
	}
	p.cancel()
}

// Shutdown is Drain under its usual name at agent stop.
func (p *Pool) Shutdown(ctx context.Context) { p.Drain(ctx) }

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes a single task with panic recovery; wg.Done matches the
// wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	p.inFlight.Add(1)
	defer p.wg.Done()
	defer p.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}
