// File: internal/netutil/poll.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Descriptor helpers: a generic "wait on many descriptors" primitive and
// non-blocking socket creation shared by the resolver and the socket layer.

package netutil

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

// PollFD is one descriptor handed to WaitMany. Read/Write select the interest;
// Readable/Writeable/Failed are filled in on return.
type PollFD struct {
	Fd    int
	Read  bool
	Write bool

	Readable  bool
	Writeable bool
	Failed    bool
}

// WaitMany blocks until at least one descriptor is ready or timeout elapses.
// A negative timeout waits forever. It returns the number of ready entries;
// an interrupted wait reports zero ready entries and no error.
func WaitMany(fds []PollFD, timeout time.Duration) (int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i := range fds {
		pfds[i].Fd = int32(fds[i].Fd)
		if fds[i].Read {
			pfds[i].Events |= unix.POLLIN
		}
		if fds[i].Write {
			pfds[i].Events |= unix.POLLOUT
		}
		fds[i].Readable, fds[i].Writeable, fds[i].Failed = false, false, false
	}
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.Poll(pfds, ms)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, Translate(err)
	}
	for i := range pfds {
		re := pfds[i].Revents
		fds[i].Readable = re&unix.POLLIN != 0
		fds[i].Writeable = re&unix.POLLOUT != 0
		fds[i].Failed = re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
	}
	return n, nil
}

// OpenNonblocking creates a close-on-exec, non-blocking socket.
func OpenNonblocking(family, sockType, proto int) (int, error) {
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, sockType, proto)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, Translate(err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, Translate(err)
	}
	return fd, nil
}

// SocketError returns the pending SO_ERROR of fd as a portable condition.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return Translate(err)
	}
	if v != 0 {
		return Translate(unix.Errno(v))
	}
	return nil
}

// RequireValid rejects negative descriptors.
func RequireValid(fd int) error {
	if fd < 0 {
		return api.ErrClosed
	}
	return nil
}
