// File: internal/concurrency/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import "github.com/momentics/hioload-net/api"

// ErrExecutorClosed indicates the executor has been shut down.
var ErrExecutorClosed = api.NewError(api.ErrCodeClosed, "executor is closed")
