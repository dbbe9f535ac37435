// File: reactor/poller.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness multiplexer interface.

package reactor

import "time"

// Readiness is one entry of a Wait batch.
type Readiness struct {
	Fd        int
	Readable  bool
	Writeable bool
	// Closed reports an error condition, or a hang-up with nothing left to
	// read or write.
	Closed bool
}

// Poller is the OS batch readiness-notification facility. Registrations are
// edge-triggered; Add and Update re-arm the descriptor so readiness that is
// already present is reported by the next Wait.
type Poller interface {
	// Add registers fd with the given interest.
	Add(fd int, read, write bool) error

	// Update replaces the interest of a registered fd.
	Update(fd int, read, write bool) error

	// Remove unregisters fd. Removing an unknown fd is not an error.
	Remove(fd int) error

	// Wait blocks up to timeout and fills events. Interrupted waits return
	// api.ErrInterrupted.
	Wait(events []Readiness, timeout time.Duration) (int, error)

	// Close releases the OS handle.
	Close() error
}

// NewPoller constructs the platform poller.
func NewPoller() (Poller, error) {
	return newPoller()
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
