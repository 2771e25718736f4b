// ============================================================================
// bidspm-batch Worker Pool - Bounded Concurrent Unit Executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Run scheduled RunUnits on a fixed number of worker goroutines.
//
// Architecture:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(buffer, handler) - channels allocated
//   2. Start(ctx, n)            - n workers; ctx cancels every running task
//   3. Submit(task)             - enqueue
//   4. ReceiveResult()          - results arrive in completion order
//   5. Stop()                   - close taskCh, wait for workers
//
// Size defaults to 1 (strictly sequential batch). Results carry the task
// index so the caller can restore enumeration order.
//
// Shutdown:
//   Stop closes stopCh first so a blocked Submit returns ErrPoolClosed, then
//   takes the send lock exclusively before closing taskCh. A send on the
//   closed channel is therefore impossible.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrPoolClosed is returned when submitting to or receiving from a stopped pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned when submitting before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool manages a fixed set of workers.
type Pool struct {
	handler  Handler
	logger   *slog.Logger
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	sendMu   sync.RWMutex // held shared by Submit while sending, exclusively by Stop while closing taskCh
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool whose task and result channels hold bufferSize
// entries. Sizing the buffer to the number of tasks makes Submit
// non-blocking.
func NewPool(bufferSize int, handler Handler, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		handler:  handler,
		logger:   logger,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers. Every task context derives from ctx.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, ctx, p.handler, p.taskCh, p.resultCh, p.logger)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.logger.Debug("Worker pool started", "workers", workerCount)
	return nil
}

// Submit enqueues a task, blocking while the buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks until a worker reports a result.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	default:
	}

	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop closes the task channel and waits for the workers to drain it.
// Queued tasks still pass through the handler; results not yet received
// are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	// Workers may be blocked delivering results nobody will read.
	go func() {
		for range p.resultCh {
		}
	}()
	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
