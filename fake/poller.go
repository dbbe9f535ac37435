// File: fake/poller.go
// Author: momentics <momentics@gmail.com>
//
// Scripted readiness poller.

package fake

import (
	"sync"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/reactor"
)

// Interest is the read/write interest recorded for a descriptor.
type Interest struct {
	Read  bool
	Write bool
}

// Poller returns scripted readiness batches and records interest changes.
type Poller struct {
	mu       sync.Mutex
	interest map[int]Interest
	batches  [][]reactor.Readiness
	waitErr  error
	closed   bool
	adds     int
	removes  int
}

var _ reactor.Poller = (*Poller)(nil)

func NewPoller() *Poller {
	return &Poller{interest: make(map[int]Interest)}
}

// Push queues one batch for a future Wait.
func (p *Poller) Push(batch ...reactor.Readiness) {
	p.mu.Lock()
	p.batches = append(p.batches, batch)
	p.mu.Unlock()
}

// FailNextWait makes the next Wait return err.
func (p *Poller) FailNextWait(err error) {
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
}

// Interest returns the recorded interest of fd.
func (p *Poller) Interest(fd int) (Interest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.interest[fd]
	return in, ok
}

// Registered returns the number of registered descriptors.
func (p *Poller) Registered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.interest)
}

// Counts returns how many Add and Remove calls were made.
func (p *Poller) Counts() (adds, removes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adds, p.removes
}

func (p *Poller) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Poller) Add(fd int, read, write bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	p.adds++
	p.interest[fd] = Interest{Read: read, Write: write}
	return nil
}

func (p *Poller) Update(fd int, read, write bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	p.interest[fd] = Interest{Read: read, Write: write}
	return nil
}

func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; ok {
		p.removes++
		delete(p.interest, fd)
	}
	return nil
}

// Wait pops the next scripted batch without blocking.
func (p *Poller) Wait(events []reactor.Readiness, _ time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, api.ErrClosed
	}
	if err := p.waitErr; err != nil {
		p.waitErr = nil
		return 0, err
	}
	if len(p.batches) == 0 {
		return 0, nil
	}
	batch := p.batches[0]
	p.batches = p.batches[1:]
	return copy(events, batch), nil
}

func (p *Poller) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
