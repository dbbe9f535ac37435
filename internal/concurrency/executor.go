// File: internal/concurrency/executor.go
// Package concurrency implements the default task executor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor dispatches tasks across worker goroutines pulling from one
// unbounded FIFO. Submit never blocks: the reactor resubmits its own dispatch
// pass from inside a worker, so a bounded queue could deadlock the loop.

package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/eapache/queue"
	"github.com/sourcegraph/conc/panics"

	"github.com/momentics/hioload-net/api"
)

// TaskFunc is a unit of work to execute.
type TaskFunc func()

// Executor manages a pool of worker goroutines.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue // of TaskFunc
	closed  bool
	workers sync.WaitGroup
	heavy   sync.WaitGroup

	numWorkers int

	// statistics
	totalTasks     atomic.Int64
	completedTasks atomic.Int64
	panics         atomic.Int64
}

var _ api.HintedExecutor = (*Executor)(nil)

// NewExecutor creates a new Executor with the given number of workers.
// If numWorkers <= 0, defaults to runtime.NumCPU().
func NewExecutor(numWorkers int) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	e := &Executor{
		tasks:      queue.New(),
		numWorkers: numWorkers,
	}
	e.cond = sync.NewCond(&e.mu)
	e.workers.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go e.run()
	}
	return e
}

// Submit enqueues a task for execution, returning ErrExecutorClosed if executor is closed.
func (e *Executor) Submit(task func()) error {
	return e.SubmitHint(task, api.HintDefault)
}

// SubmitHint enqueues task; HintHeavy tasks get a goroutine of their own so
// they never hold a worker that the dispatch loop needs.
func (e *Executor) SubmitHint(task func(), hint api.TaskHint) error {
	if task == nil {
		return api.Errorf(api.ErrCodeInvalidArgument, "nil task")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.totalTasks.Add(1)
	if hint == api.HintHeavy {
		e.heavy.Add(1)
		e.mu.Unlock()
		go func() {
			defer e.heavy.Done()
			e.execute(task)
		}()
		return nil
	}
	e.tasks.Add(TaskFunc(task))
	e.mu.Unlock()
	e.cond.Signal()
	return nil
}

// NumWorkers returns the number of worker goroutines.
func (e *Executor) NumWorkers() int {
	return e.numWorkers
}

// Close stops accepting tasks, lets workers drain what is already queued and
// waits for them to exit. Close is idempotent.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.workers.Wait()
	e.heavy.Wait()
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	e.mu.Lock()
	queued := int64(e.tasks.Length())
	e.mu.Unlock()
	total := e.totalTasks.Load()
	completed := e.completedTasks.Load()
	return map[string]int64{
		"total_tasks":     total,
		"completed_tasks": completed,
		"pending_tasks":   total - completed,
		"queued_tasks":    queued,
		"panics":          e.panics.Load(),
		"num_workers":     int64(e.numWorkers),
	}
}

// run is the main loop for a worker.
func (e *Executor) run() {
	defer e.workers.Done()
	for {
		e.mu.Lock()
		for e.tasks.Length() == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.tasks.Length() == 0 {
			e.mu.Unlock()
			return
		}
		task := e.tasks.Remove().(TaskFunc)
		e.mu.Unlock()
		e.execute(task)
	}
}

// execute runs the task and updates statistics, recovering from panics.
func (e *Executor) execute(task func()) {
	var pc panics.Catcher
	pc.Try(task)
	e.completedTasks.Add(1)
	if r := pc.Recovered(); r != nil {
		e.panics.Add(1)
		log.L.WithError(r.AsError()).Error("executor: task panicked")
	}
}
