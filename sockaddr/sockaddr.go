// File: sockaddr/sockaddr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package sockaddr holds the result of a name resolution: every candidate
// address plus the one chosen as usable. Values are immutable after
// construction and reference counted, since the resolver cache and any number
// of callers may hold the same instance.

package sockaddr

import (
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
)

// Candidate is one resolved endpoint.
type Candidate struct {
	Family   int
	Type     int
	Protocol int
	Addr     netip.AddrPort
}

func (c Candidate) String() string {
	return c.Addr.String()
}

// SocketAddress is a resolved address list with one usable candidate.
type SocketAddress struct {
	candidates []Candidate
	usable     int
	refs       atomic.Int32
}

// New builds a SocketAddress holding one reference.
func New(candidates []Candidate, usable int) (*SocketAddress, error) {
	if len(candidates) == 0 {
		return nil, api.Errorf(api.ErrCodeBadAddress, "no candidate addresses")
	}
	if usable < 0 || usable >= len(candidates) {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "usable index %d out of range [0,%d)", usable, len(candidates))
	}
	sa := &SocketAddress{
		candidates: append([]Candidate(nil), candidates...),
		usable:     usable,
	}
	sa.refs.Store(1)
	return sa, nil
}

// Candidates returns a copy of every resolved candidate, in resolution order.
func (a *SocketAddress) Candidates() []Candidate {
	return append([]Candidate(nil), a.candidates...)
}

// Usable returns the chosen candidate.
func (a *SocketAddress) Usable() Candidate {
	return a.candidates[a.usable]
}

// UsableIndex returns the position of the chosen candidate.
func (a *SocketAddress) UsableIndex() int {
	return a.usable
}

// Family returns the address family of the usable candidate.
func (a *SocketAddress) Family() int {
	return a.candidates[a.usable].Family
}

// Sockaddr converts the usable candidate into a raw sockaddr.
func (a *SocketAddress) Sockaddr() (unix.Sockaddr, error) {
	return netutil.ToSockaddr(a.candidates[a.usable].Addr)
}

// Retain adds a reference and returns a for chaining.
func (a *SocketAddress) Retain() *SocketAddress {
	if a.refs.Add(1) <= 1 {
		panic("sockaddr: retain of released address")
	}
	return a
}

// Release drops a reference and reports whether it was the last one.
func (a *SocketAddress) Release() bool {
	n := a.refs.Add(-1)
	if n < 0 {
		panic("sockaddr: release of released address")
	}
	return n == 0
}

// Refs returns the current reference count.
func (a *SocketAddress) Refs() int {
	return int(a.refs.Load())
}

func (a *SocketAddress) String() string {
	var b strings.Builder
	for i, c := range a.candidates {
		if i > 0 {
			b.WriteByte(',')
		}
		if i == a.usable {
			b.WriteByte('*')
		}
		b.WriteString(c.String())
	}
	return fmt.Sprintf("[%s]", b.String())
}
