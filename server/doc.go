// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package server implements the listening side: a YAML-configurable Router,
// bound Listeners, pooled Connections and the Server that accepts, runs TLS
// handshakes, recycles connections across keep-alive exchanges and shuts
// down gracefully.
package server
