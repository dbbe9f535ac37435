//go:build darwin || dragonfly || freebsd || netbsd || openbsd

// File: reactor/poller_bsd.go
// Author: momentics <momentics@gmail.com>
//
// BSD/Darwin kqueue(2)-based readiness multiplexer.

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
)

type kqInterest struct {
	read, write bool
}

// kqueuePoller keeps the per-fd filter set because kqueue registers read
// and write filters independently.
type kqueuePoller struct {
	kq       int
	mu       sync.Mutex
	interest map[int]kqInterest
	raw      []unix.Kevent_t
	index    map[int]int
}

func newPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, netutil.Translate(err)
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{
		kq:       kq,
		interest: make(map[int]kqInterest),
		index:    make(map[int]int),
	}, nil
}

func (p *kqueuePoller) apply(fd int, want kqInterest) error {
	p.mu.Lock()
	have := p.interest[fd]
	p.mu.Unlock()

	changes := make([]unix.Kevent_t, 0, 2)
	add := func(filter int, on, was bool) {
		var ev unix.Kevent_t
		switch {
		case on:
			unix.SetKevent(&ev, fd, filter, unix.EV_ADD|unix.EV_ENABLE|unix.EV_CLEAR)
		case was:
			unix.SetKevent(&ev, fd, filter, unix.EV_DELETE)
		default:
			return
		}
		changes = append(changes, ev)
	}
	add(unix.EVFILT_READ, want.read, have.read)
	add(unix.EVFILT_WRITE, want.write, have.write)
	if len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil && err != unix.ENOENT {
			return netutil.Translate(err)
		}
	}
	p.mu.Lock()
	if want.read || want.write {
		p.interest[fd] = want
	} else {
		delete(p.interest, fd)
	}
	p.mu.Unlock()
	return nil
}

func (p *kqueuePoller) Add(fd int, read, write bool) error {
	return p.apply(fd, kqInterest{read: read, write: write})
}

func (p *kqueuePoller) Update(fd int, read, write bool) error {
	return p.apply(fd, kqInterest{read: read, write: write})
}

func (p *kqueuePoller) Remove(fd int) error {
	err := p.apply(fd, kqInterest{})
	if api.CodeOf(err) == api.ErrCodeClosed {
		p.mu.Lock()
		delete(p.interest, fd)
		p.mu.Unlock()
		return nil
	}
	return err
}

func (p *kqueuePoller) Wait(events []Readiness, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, api.Errorf(api.ErrCodeInvalidArgument, "empty event buffer")
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.Kevent_t, len(events))
	}
	raw := p.raw[:len(events)]
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, raw, ts)
	if err == unix.EINTR {
		return 0, api.ErrInterrupted
	}
	if err != nil {
		return 0, netutil.Translate(err)
	}
	// Read and write filters arrive as separate kevents; fold them per fd.
	clear(p.index)
	out := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Ident)
		j, ok := p.index[fd]
		if !ok {
			j = out
			p.index[fd] = j
			events[j] = Readiness{Fd: fd}
			out++
		}
		switch int(raw[i].Filter) {
		case unix.EVFILT_READ:
			events[j].Readable = true
		case unix.EVFILT_WRITE:
			events[j].Writeable = true
		}
		if raw[i].Flags&unix.EV_ERROR != 0 {
			events[j].Closed = true
		}
		if raw[i].Flags&unix.EV_EOF != 0 && raw[i].Fflags != 0 {
			events[j].Closed = true
		}
	}
	return out, nil
}

func (p *kqueuePoller) Close() error {
	return netutil.Translate(unix.Close(p.kq))
}
