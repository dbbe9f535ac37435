// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package socket provides the non-blocking descriptor handle of the network
// core. Every synchronous primitive reports would-block as a distinct
// condition; the Async variants suspend on the reactor at exactly those
// points and report their outcome once through a callback.
//
// A Socket keeps at most one read and one write continuation outstanding,
// so sequential operations in the same direction never overlap. TLS
// sessions are layered with EnableTLS and driven by the same would-block
// signals (ErrWantRead, ErrWantWrite).
package socket
