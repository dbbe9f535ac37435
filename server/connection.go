// File: server/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/hioload-net/socket"
)

// Handler receives every connection ready for application I/O: after
// accept, after the TLS handshake, and again after each Continue.
type Handler interface {
	OnRequestOpen(c *Connection)
}

// CloseHandler is implemented by handlers that want to observe closes.
type CloseHandler interface {
	OnRequestClose(c *Connection)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Connection)

func (f HandlerFunc) OnRequestOpen(c *Connection) { f(c) }

// Connection is one accepted peer. Objects are pooled by the server and
// reset between uses; do not retain one after Finalize.
type Connection struct {
	id       uuid.UUID
	sock     *socket.Socket
	listener *Listener
	server   *Server

	start     time.Time
	finish    time.Time
	timeout   time.Duration
	keepAlive int
	closing   atomic.Bool
	released  atomic.Bool

	// Data is free for the protocol layer.
	Data any
}

func newConnection(s *Server) *Connection {
	return &Connection{server: s, sock: socket.New(s.r)}
}

func (c *Connection) ID() uuid.UUID          { return c.id }
func (c *Connection) Socket() *socket.Socket { return c.sock }
func (c *Connection) Listener() *Listener    { return c.listener }
func (c *Connection) Remote() netip.AddrPort { return c.sock.Remote() }
func (c *Connection) Start() time.Time       { return c.start }
func (c *Connection) Finish() time.Time      { return c.finish }
func (c *Connection) Timeout() time.Duration { return c.timeout }
func (c *Connection) KeepAlive() int         { return c.keepAlive }
func (c *Connection) Closing() bool          { return c.closing.Load() }
func (c *Connection) SetClose()              { c.closing.Store(true) }
func (c *Connection) String() string         { return c.id.String() }

// Continue ends the current exchange and either hands the connection back
// to the handler or closes it.
func (c *Connection) Continue() { c.server.Continue(c) }

// Finalize closes the connection and returns it to the pool.
func (c *Connection) Finalize() { c.server.Finalize(c) }

// Reset clears per-connection state. The socket is kept for reuse.
func (c *Connection) Reset() {
	c.id = uuid.Nil
	c.listener = nil
	c.start, c.finish = time.Time{}, time.Time{}
	c.timeout = 0
	c.keepAlive = 0
	c.closing.Store(false)
	c.Data = nil
}
