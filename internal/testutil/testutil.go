// File: internal/testutil/testutil.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Helpers shared by package tests: socket pairs, descriptor counting and a
// running reactor.

package testutil

import (
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/internal/concurrency"
	"github.com/momentics/hioload-net/reactor"
)

// SocketPair returns two connected non-blocking stream descriptors. The
// caller owns both.
func SocketPair(t testing.TB) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	return fds[0], fds[1]
}

// OpenFDs counts the process descriptors, or returns -1 where the platform
// offers no cheap way to do so.
func OpenFDs() int {
	if runtime.GOOS != "linux" {
		return -1
	}
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return -1
	}
	return len(entries)
}

// Reactor starts an activated multiplexer on a small executor, torn down at
// test cleanup.
func Reactor(t testing.TB) *reactor.Multiplexer {
	t.Helper()
	exec := concurrency.NewExecutor(4)
	cfg := reactor.DefaultConfig()
	cfg.DispatchTimeout = 10 * time.Millisecond
	mux, err := reactor.New(exec, cfg)
	require.NoError(t, err)
	mux.Activate()
	t.Cleanup(func() {
		_ = mux.Deactivate()
		_ = mux.Close()
		exec.Close()
	})
	return mux
}

// Executor returns a running executor closed at test cleanup.
func Executor(t testing.TB) *concurrency.Executor {
	t.Helper()
	exec := concurrency.NewExecutor(4)
	t.Cleanup(exec.Close)
	return exec
}
