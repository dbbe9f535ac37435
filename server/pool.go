// File: server/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"sync"

	"github.com/eapache/queue"
)

// connPool partitions every connection object the server tracks: Active
// while bound to a descriptor, Inactive while waiting for reuse.
type connPool struct {
	mu       sync.Mutex
	active   map[*Connection]struct{}
	inactive *queue.Queue
	capacity int
}

func newConnPool(capacity int) *connPool {
	return &connPool{
		active:   make(map[*Connection]struct{}),
		inactive: queue.New(),
		capacity: capacity,
	}
}

func (p *connPool) setCapacity(n int) {
	p.mu.Lock()
	p.capacity = n
	for p.inactive.Length() > n {
		p.inactive.Remove()
	}
	p.mu.Unlock()
}

// acquire moves a pooled object, or a fresh one from alloc, into Active and
// returns it with the active count that includes it.
func (p *connPool) acquire(alloc func() *Connection) (*Connection, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c *Connection
	if p.inactive.Length() > 0 {
		c = p.inactive.Remove().(*Connection)
	} else {
		c = alloc()
	}
	c.released.Store(false)
	p.active[c] = struct{}{}
	return c, len(p.active)
}

// release moves c out of Active. It is pooled while Inactive has room and
// dropped otherwise. Connections not in Active are ignored.
func (p *connPool) release(c *Connection) (pooled, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, found := p.active[c]; !found {
		return false, false
	}
	delete(p.active, c)
	c.Reset()
	if p.inactive.Length() >= p.capacity {
		return false, true
	}
	p.inactive.Add(c)
	return true, true
}

// dropInactive discards every pooled object.
func (p *connPool) dropInactive() {
	p.mu.Lock()
	for p.inactive.Length() > 0 {
		p.inactive.Remove()
	}
	p.mu.Unlock()
}

func (p *connPool) activeList() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, 0, len(p.active))
	for c := range p.active {
		out = append(out, c)
	}
	return out
}

func (p *connPool) stats() (active, inactive int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active), p.inactive.Length()
}

// locate reports which set holds c; used to check the partition.
func (p *connPool) locate(c *Connection) (inActive, inInactive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, inActive = p.active[c]
	for i := 0; i < p.inactive.Length(); i++ {
		if p.inactive.Get(i).(*Connection) == c {
			inInactive = true
			break
		}
	}
	return inActive, inInactive
}
