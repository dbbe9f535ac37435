// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness-driven event reactor: a thin
// cross-platform readiness multiplexer (epoll on Linux, kqueue on the BSDs)
// and the Multiplexer that converts readiness and expiry into one-shot
// continuation callbacks submitted to an external executor.
package reactor
