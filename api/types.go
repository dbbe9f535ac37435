// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

import (
	"net"
	"strconv"
	"time"
)

// RemoteHost describes one endpoint: where a listener binds or a client connects.
type RemoteHost struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	Secure   bool   `yaml:"secure"`
}

// Address returns host:port.
func (h RemoteHost) Address() string {
	return net.JoinHostPort(h.Hostname, h.Service())
}

// Service returns the port as a service string for resolution.
func (h RemoteHost) Service() string {
	return strconv.Itoa(h.Port)
}

func (h RemoteHost) String() string {
	if h.Secure {
		return "tls://" + h.Address()
	}
	return "tcp://" + h.Address()
}

// Clock is the monotonic time source consumed by the core.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
