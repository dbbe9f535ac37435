// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Default task scheduler for hioload-net. The reactor dispatch loop, I/O
// completion callbacks and blocking helpers (name resolution) are all
// submitted here as independent units of work.
package concurrency
