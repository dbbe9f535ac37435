// File: internal/netutil/addr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Address conversion and formatting between netip and raw sockaddrs.

package netutil

import (
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

// FamilyOf returns the address family for addr.
func FamilyOf(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// ToSockaddr converts ap into a raw sockaddr of the matching family.
func ToSockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	if !addr.IsValid() {
		return nil, api.Errorf(api.ErrCodeBadAddress, "invalid address %q", ap.String())
	}
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.Unmap().As4()}, nil
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if id, err := strconv.Atoi(zone); err == nil {
			sa.ZoneId = uint32(id)
		}
	}
	return sa, nil
}

// FromSockaddr converts a raw inet sockaddr to netip form. Other families
// yield the zero AddrPort.
func FromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(a.Addr)
		if a.ZoneId != 0 {
			addr = addr.WithZone(strconv.Itoa(int(a.ZoneId)))
		}
		return netip.AddrPortFrom(addr, uint16(a.Port))
	}
	return netip.AddrPort{}
}

// FormatSockaddr renders sa for logs and diagnostics.
func FormatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4, *unix.SockaddrInet6:
		return FromSockaddr(a).String()
	case *unix.SockaddrUnix:
		if a.Name == "" {
			return "unix:@"
		}
		return "unix:" + a.Name
	case nil:
		return "<nil>"
	}
	return "<unknown>"
}
