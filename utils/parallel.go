package utils

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelFactor is the default worker pool size. This might be useful to set in tests where
// too much parallelism actually slows tests down in aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// Task is one unit of work handed to a WorkerPool.
type Task func(ctx context.Context) error

// ProgressFunc receives the number of finished work items out of the total.
type ProgressFunc func(done, total int)

// PanicError is returned for a task that panicked.
type PanicError struct {
	Task  int
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %d panicked: %v", e.Task, e.Value)
}

// WorkerPool runs tasks on a fixed number of goroutines.
type WorkerPool struct {
	size int
}

// NewWorkerPool returns a pool running at most size tasks at a time. A non positive size means
// ParallelFactor.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = ParallelFactor
	}
	return &WorkerPool{size: size}
}

// Size is the number of tasks the pool runs concurrently.
func (p *WorkerPool) Size() int {
	if p == nil {
		return ParallelFactor
	}
	return p.size
}

// Run executes every task and blocks until all of them returned. The i-th error is the outcome
// of the i-th task; a failing task does not stop the others. Panics are recovered into
// *PanicError.
func (p *WorkerPool) Run(ctx context.Context, tasks []Task) []error {
	outcomes := make([]error, len(tasks))
	var group errgroup.Group
	group.SetLimit(p.Size())
	for i, task := range tasks {
		i, task := i, task
		group.Go(func() (err error) {
			defer func() {
				if thePanic := recover(); thePanic != nil {
					outcomes[i] = &PanicError{Task: i, Value: thePanic}
				}
			}()
			outcomes[i] = task(ctx)
			return nil
		})
	}
	//nolint:errcheck
	group.Wait()
	return outcomes
}

// Band is the half open row range [From, To).
type Band struct {
	From, To int
}

// Bands splits rows into consecutive bands of bandRows rows. The last band absorbs the remainder,
// so it holds between 1 and bandRows rows.
func Bands(rows, bandRows int) []Band {
	if rows <= 0 {
		return nil
	}
	if bandRows <= 0 || bandRows > rows {
		bandRows = rows
	}
	bands := make([]Band, 0, (rows+bandRows-1)/bandRows)
	for from := 0; from < rows; from += bandRows {
		bands = append(bands, Band{From: from, To: min(from+bandRows, rows)})
	}
	return bands
}
