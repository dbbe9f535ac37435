//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

// File: reactor/poller_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import "github.com/momentics/hioload-net/api"

// newPoller returns an error for unsupported platforms.
func newPoller() (Poller, error) {
	return nil, api.Errorf(api.ErrCodeNotSupported, "reactor: this platform is not supported")
}
