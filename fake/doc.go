// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing.
// Provides predictable, controllable clock, executor and poller.
package fake
