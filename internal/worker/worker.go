// ============================================================================
// bidspm-batch Worker - Unit Execution Goroutine
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: One goroutine that takes Tasks from the pool, runs the handler
//          under a per-task timeout and reports the Result.
//
// Loop:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ ctx with task.Timeout   │   │
//   │  │   ├─ handler(ctx, task)      │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   Each task gets its own context derived from the pool context, so a
//   batch cancellation reaches every running handler while a task timeout
//   only reaches its own.
//
// Panics:
//   A panicking handler is recovered and recorded as a failed execution so
//   one bad unit never takes the batch down.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Worker represents a work execution unit.
type Worker struct {
	id       int
	ctx      context.Context
	handler  Handler
	taskCh   <-chan Task
	resultCh chan<- Result
	logger   *slog.Logger
}

func newWorker(id int, ctx context.Context, handler Handler, taskCh <-chan Task, resultCh chan<- Result, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
		logger:   logger,
	}
}

// Run consumes tasks until taskCh is closed. Results are always delivered;
// the pool sizes resultCh so that a send never blocks forever.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		outcome := w.execute(task)
		w.resultCh <- Result{
			Task:     task,
			Outcome:  outcome,
			Duration: time.Since(start),
		}
	}
}

func (w *Worker) execute(task Task) (outcome types.UnitResult) {
	ctx, cancel := w.ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(w.ctx, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker handler panic", "worker", w.id, "unit", task.Unit.Key(), "panic", r)
			outcome = types.UnitResult{
				Index:          task.Index,
				Unit:           task.Unit,
				Classification: types.ClassFailed,
				Kind:           types.KindExecution,
				ExitCode:       -1,
				Reason:         fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	return w.handler(ctx, task)
}
