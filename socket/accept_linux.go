//go:build linux

// File: socket/accept_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import "golang.org/x/sys/unix"

func acceptNonblocking(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
