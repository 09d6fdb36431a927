// Package dispatch runs asynchronous repository operations on a bounded worker pool.
//
// # Architecture boundaries
//
// This package owns queueing and worker lifetime. It does NOT know what a task does;
// deadlines, retries and completion delivery are the caller's concern.
//
// # What this package must NOT do
//
//   - Drop a submitted task. Once Submit returns nil the task runs, even during Close.
//   - Import goSession or any sibling internal package.
package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Submit and TrySubmit after Close.
	ErrClosed = errors.New("dispatcher closed")
	// ErrFull is returned by TrySubmit when no queue slot is free.
	ErrFull = errors.New("dispatcher queue full")
)

// Config controls pool sizing.
type Config struct {
	Workers   int
	QueueSize int
}

// Pool is a fixed set of workers fed by a buffered queue. Submit blocks while the
// queue is full.
type Pool struct {
	mu        sync.RWMutex
	closed    bool
	ch        chan func()
	wg        sync.WaitGroup
	inFlight  atomic.Int64
	completed atomic.Uint64
	closeOnce sync.Once
}

func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	p := &Pool{ch: make(chan func(), cfg.QueueSize)}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.ch {
		p.inFlight.Add(1)
		task()
		p.inFlight.Add(-1)
		p.completed.Add(1)
	}
}

// Submit queues task for execution.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.ch <- task
	return nil
}

// TrySubmit queues task only if a worker or queue slot is free right now. It never
// blocks, so it is safe to call while holding locks a running task may need.
func (p *Pool) TrySubmit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.ch <- task:
		return nil
	default:
		return ErrFull
	}
}

// Close stops accepting tasks, runs everything already queued, and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.ch)
		p.mu.Unlock()
		p.wg.Wait()
	})
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.ch)
}

// InFlight returns the number of tasks currently executing.
func (p *Pool) InFlight() int64 {
	return p.inFlight.Load()
}

// Completed returns the number of tasks that have finished.
func (p *Pool) Completed() uint64 {
	return p.completed.Load()
}
