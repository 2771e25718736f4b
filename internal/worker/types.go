package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Task is one scheduled RunUnit handed to the pool.
type Task struct {
	Index   int           // enumeration index, used to re-sort results
	Unit    types.RunUnit // what to run
	Timeout time.Duration // per-unit budget; 0 means none
}

// Result is what a worker reports back for a Task.
type Result struct {
	Task     Task
	Outcome  types.UnitResult
	Duration time.Duration // wall time spent in the handler
}

// Handler executes one task. ctx carries the task timeout and is cancelled
// when the batch is cancelled. Handlers report failures in the returned
// UnitResult, never by panicking.
type Handler func(ctx context.Context, task Task) types.UnitResult
