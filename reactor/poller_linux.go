//go:build linux
// +build linux

// File: reactor/poller_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based readiness multiplexer.

package reactor

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
)

// epollPoller is an edge-triggered epoll instance.
type epollPoller struct {
	epfd int
	raw  []unix.EpollEvent
}

func newPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, netutil.Translate(err)
	}
	return &epollPoller{epfd: epfd}, nil
}

func epollInterest(read, write bool) uint32 {
	ev := uint32(unix.EPOLLET | unix.EPOLLRDHUP)
	if read {
		ev |= unix.EPOLLIN
	}
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) ctl(op, fd int, read, write bool) error {
	ev := &unix.EpollEvent{Events: epollInterest(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, op, fd, ev)
}

// Add registers fd; a descriptor left behind by a closed-and-reused fd is modified instead.
func (p *epollPoller) Add(fd int, read, write bool) error {
	err := p.ctl(unix.EPOLL_CTL_ADD, fd, read, write)
	if err == unix.EEXIST {
		err = p.ctl(unix.EPOLL_CTL_MOD, fd, read, write)
	}
	return netutil.Translate(err)
}

func (p *epollPoller) Update(fd int, read, write bool) error {
	err := p.ctl(unix.EPOLL_CTL_MOD, fd, read, write)
	if err == unix.ENOENT {
		err = p.ctl(unix.EPOLL_CTL_ADD, fd, read, write)
	}
	return netutil.Translate(err)
}

func (p *epollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return netutil.Translate(err)
}

func (p *epollPoller) Wait(events []Readiness, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, api.Errorf(api.ErrCodeInvalidArgument, "empty event buffer")
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]
	n, err := unix.EpollWait(p.epfd, raw, timeoutMillis(timeout))
	if err == unix.EINTR {
		return 0, api.ErrInterrupted
	}
	if err != nil {
		return 0, netutil.Translate(err)
	}
	for i := 0; i < n; i++ {
		ev := raw[i].Events
		in := ev&unix.EPOLLIN != 0
		out := ev&unix.EPOLLOUT != 0
		events[i] = Readiness{
			Fd:        int(raw[i].Fd),
			Readable:  in || ev&unix.EPOLLRDHUP != 0,
			Writeable: out,
			Closed:    ev&unix.EPOLLERR != 0 || (ev&unix.EPOLLHUP != 0 && !in && !out),
		}
	}
	return n, nil
}

func (p *epollPoller) Close() error {
	return netutil.Translate(unix.Close(p.epfd))
}
