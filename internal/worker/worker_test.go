package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout propagation, cancellation,
//          panic recovery and graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

func unit(i int) types.RunUnit {
	return types.RunUnit{Subject: "0" + string(rune('1'+i%9)), Task: "rest", Action: types.ActionSmooth}
}

// succeed is a handler that completes immediately.
func succeed(_ context.Context, task Task) types.UnitResult {
	return types.UnitResult{Index: task.Index, Unit: task.Unit, Classification: types.ClassSucceeded}
}

// waitForDone blocks until ctx ends and classifies why.
func waitForDone(ctx context.Context, task Task) types.UnitResult {
	<-ctx.Done()
	kind := types.KindCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = types.KindTimeout
	}
	return types.UnitResult{Index: task.Index, Unit: task.Unit, Classification: types.ClassFailed, Kind: kind}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, succeed, nil)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, succeed, nil)

	require.NoError(t, pool.Start(context.Background(), 4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(context.Background(), 2))
	pool.Stop()
}

func TestPoolStartClampsToOneWorker(t *testing.T) {
	pool := NewPool(1, succeed, nil)
	require.NoError(t, pool.Start(context.Background(), 0))
	assert.Equal(t, 1, pool.GetWorkerCount())
	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	const n = 10
	pool := NewPool(n, succeed, nil)
	require.NoError(t, pool.Start(context.Background(), 1))

	for i := 0; i < n; i++ {
		require.NoError(t, pool.Submit(Task{Index: i, Unit: unit(i), Timeout: time.Second}))
	}

	var indexes []int
	for i := 0; i < n; i++ {
		res, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.Equal(t, types.ClassSucceeded, res.Outcome.Classification)
		assert.Equal(t, res.Task.Index, res.Outcome.Index)
		indexes = append(indexes, res.Task.Index)
	}
	// A single worker preserves submission order.
	assert.True(t, sort.IntsAreSorted(indexes))

	pool.Stop()
}

func TestTaskTimeout(t *testing.T) {
	pool := NewPool(1, waitForDone, nil)
	require.NoError(t, pool.Start(context.Background(), 1))

	require.NoError(t, pool.Submit(Task{Index: 0, Unit: unit(0), Timeout: 10 * time.Millisecond}))
	res, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.ClassFailed, res.Outcome.Classification)
	assert.Equal(t, types.KindTimeout, res.Outcome.Kind)

	pool.Stop()
}

func TestPoolContextCancelReachesRunningTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2, waitForDone, nil)
	require.NoError(t, pool.Start(ctx, 2))

	require.NoError(t, pool.Submit(Task{Index: 0, Unit: unit(0), Timeout: time.Hour}))
	require.NoError(t, pool.Submit(Task{Index: 1, Unit: unit(1)}))
	cancel()

	for i := 0; i < 2; i++ {
		res, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.Equal(t, types.KindCancelled, res.Outcome.Kind)
	}
	pool.Stop()
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	pool := NewPool(2, func(_ context.Context, task Task) types.UnitResult {
		if task.Index == 0 {
			panic("boom")
		}
		return succeed(context.TODO(), task)
	}, nil)
	require.NoError(t, pool.Start(context.Background(), 1))

	require.NoError(t, pool.Submit(Task{Index: 0, Unit: unit(0)}))
	require.NoError(t, pool.Submit(Task{Index: 1, Unit: unit(1)}))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.ClassFailed, first.Outcome.Classification)
	assert.Equal(t, types.KindExecution, first.Outcome.Kind)
	assert.Contains(t, first.Outcome.Reason, "boom")

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.ClassSucceeded, second.Outcome.Classification)

	pool.Stop()
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrencyIsBounded(t *testing.T) {
	const (
		workers = 3
		n       = 30
	)
	var running, peak int32
	handler := func(_ context.Context, task Task) types.UnitResult {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return succeed(context.TODO(), task)
	}

	pool := NewPool(n, handler, nil)
	require.NoError(t, pool.Start(context.Background(), workers))
	for i := 0; i < n; i++ {
		require.NoError(t, pool.Submit(Task{Index: i, Unit: unit(i)}))
	}

	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		res, err := pool.ReceiveResult()
		require.NoError(t, err)
		seen[res.Task.Index] = true
	}
	assert.Len(t, seen, n)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workers))

	pool.Stop()
}

func TestConcurrentSubmit(t *testing.T) {
	const n = 50
	pool := NewPool(n, succeed, nil)
	require.NoError(t, pool.Start(context.Background(), 4))

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(Task{Index: i, Unit: unit(i)}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	pool.Stop()
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(20, succeed, nil)
	require.NoError(t, pool.Start(context.Background(), 4))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(Task{Index: i, Unit: unit(i)}))
	}
	for i := 0; i < 5; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	goroutinesBefore := runtime.NumGoroutine()
	pool.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutinesBefore)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10, succeed, nil)
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10, succeed, nil)
	require.NoError(t, pool.Start(context.Background(), 2))
	pool.Stop()

	err := pool.Submit(Task{Index: 0, Unit: unit(0)})
	assert.Equal(t, ErrPoolClosed, err)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, succeed, nil)
	err := pool.Submit(Task{Index: 0, Unit: unit(0)})
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10, succeed, nil)
	require.NoError(t, pool.Start(context.Background(), 2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// Stop must not deadlock while a Submit is blocked on a full buffer.
func TestStopUnblocksSubmit(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, func(_ context.Context, task Task) types.UnitResult {
		<-block
		return succeed(context.TODO(), task)
	}, nil)
	require.NoError(t, pool.Start(context.Background(), 1))

	require.NoError(t, pool.Submit(Task{Index: 0, Unit: unit(0)})) // picked up by the worker
	require.Eventually(t, func() bool { return len(pool.taskCh) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(Task{Index: 1, Unit: unit(1)})) // fills the buffer

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(Task{Index: 2, Unit: unit(2)}) }()

	time.Sleep(10 * time.Millisecond)
	close(block)
	pool.Stop()

	select {
	case err := <-errCh:
		// Either the slot freed up before Stop or Stop rejected the send.
		if err != nil {
			assert.Equal(t, ErrPoolClosed, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit still blocked after Stop")
	}
}
