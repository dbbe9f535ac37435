// Package api
// Author: momentics
//
// Executor contract: the external task scheduler the core hands deferred work to.

package api

// Executor abstracts "submit a unit of work for later execution".
type Executor interface {
	// Submit schedules task for execution. It must not block on queue space.
	Submit(task func()) error
}

// TaskHint tells a scheduler how expensive a unit of work is expected to be.
type TaskHint int

const (
	HintDefault TaskHint = iota
	// HintHeavy marks work that may block for a long time (name resolution, file I/O).
	HintHeavy
)

// HintedExecutor is implemented by schedulers that honour TaskHint.
type HintedExecutor interface {
	Executor
	SubmitHint(task func(), hint TaskHint) error
}

// SubmitHinted submits through SubmitHint when e supports it, Submit otherwise.
func SubmitHinted(e Executor, task func(), hint TaskHint) error {
	if h, ok := e.(HintedExecutor); ok {
		return h.SubmitHint(task, hint)
	}
	return e.Submit(task)
}
