// File: fake/executor.go
// Author: momentics <momentics@gmail.com>

package fake

import (
	"sync"

	"github.com/momentics/hioload-net/api"
)

// Executor queues submitted tasks until the test runs them.
type Executor struct {
	mu     sync.Mutex
	tasks  []func()
	hints  []api.TaskHint
	closed bool
}

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Submit(task func()) error {
	return e.SubmitHint(task, api.HintDefault)
}

func (e *Executor) SubmitHint(task func(), hint api.TaskHint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return api.ErrClosed
	}
	e.tasks = append(e.tasks, task)
	e.hints = append(e.hints, hint)
	return nil
}

// Len returns the number of queued tasks.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Hints returns the hints of every task submitted so far and not yet run.
func (e *Executor) Hints() []api.TaskHint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]api.TaskHint(nil), e.hints...)
}

// RunPending runs the tasks queued at call time and returns how many ran.
// Tasks submitted meanwhile stay queued.
func (e *Executor) RunPending() int {
	e.mu.Lock()
	batch := e.tasks
	e.tasks, e.hints = nil, nil
	e.mu.Unlock()
	for _, t := range batch {
		t()
	}
	return len(batch)
}

// RunAll runs tasks until the queue stays empty or limit tasks ran.
func (e *Executor) RunAll(limit int) int {
	total := 0
	for total < limit {
		n := e.RunPending()
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

// Close makes further submissions fail.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}
