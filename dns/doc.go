// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package dns resolves host/service pairs into sockaddr.SocketAddress values
// for listening and connecting. Results are cached per mode with a TTL;
// connect resolution races every candidate and keeps the first that accepts.
package dns
