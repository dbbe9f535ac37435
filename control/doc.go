// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection for the network core.
//
// Provides:
//   - Prometheus collectors for reactor, server, resolver and client events
//   - Named debug probes (pool occupancy, reactor registrations, platform state)
//
// All Metrics methods tolerate a nil receiver so components run unobserved
// when no registry is configured.
package control
