// File: server/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"time"

	"github.com/momentics/hioload-net/control"
)

// Option customizes server initialization.
type Option func(*Server)

// WithMetrics records accept, refuse and pool figures.
func WithMetrics(m *control.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithProbes registers the "server.pool" probe.
func WithProbes(dp *control.DebugProbes) Option {
	return func(s *Server) {
		s.probes = dp
	}
}

// WithStopPolling bounds the interval between pool checks while Unlisten
// waits for active connections.
func WithStopPolling(initial, max time.Duration) Option {
	return func(s *Server) {
		s.pollInitial, s.pollMax = initial, max
	}
}
