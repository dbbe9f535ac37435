// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package client connects to a remote host through a staged pipeline:
// DNS resolution with connect racing, socket open, connect, and an optional
// TLS handshake. Each stage runs on the reactor or the executor unless the
// client is configured as blocking.
package client
