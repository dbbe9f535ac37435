// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for the readiness-driven Reactor that turns
// OS readiness notifications into one-shot continuation callbacks.

package api

import "time"

// Pollable is anything backed by an OS descriptor that can be registered.
type Pollable interface {
	Fd() int
}

// IOCallback is a one-shot continuation. status is nil when the requested
// readiness arrived, otherwise the terminal condition (timeout, reset,
// canceled, closed).
type IOCallback func(status error)

// Reactor is implemented by reactor.Multiplexer.
type Reactor interface {
	// WhenReadable registers cb to run once p becomes readable or deadline passes.
	// A zero deadline means no timeout. An existing read continuation is replaced
	// and invoked with ErrCanceled.
	WhenReadable(p Pollable, deadline time.Time, cb IOCallback) error

	// WhenWriteable is the write-side counterpart of WhenReadable.
	WhenWriteable(p Pollable, deadline time.Time, cb IOCallback) error

	// CancelEvents fires every pending continuation of p with status and unregisters p.
	CancelEvents(p Pollable, status error)

	// Activate keeps the dispatch loop running; calls nest.
	Activate()

	// Deactivate drops one activation.
	Deactivate() error

	// Now returns the reactor clock's current time.
	Now() time.Time
}
