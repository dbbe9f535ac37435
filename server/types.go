// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

// State is the server lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateWorking
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWorking:
		return "working"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// PoolStats is a snapshot of the connection pool.
type PoolStats struct {
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}
