// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import (
	"math/bits"
	"sync"
)

const (
	minClassShift = 9  // 512 B
	maxClassShift = 22 // 4 MiB
)

// BytePool hands out byte slices from power-of-two size classes. Requests
// above the largest class are allocated directly and dropped on Put.
type BytePool struct {
	classes [maxClassShift - minClassShift + 1]sync.Pool
}

// NewBytePool creates an empty pool.
func NewBytePool() *BytePool {
	p := &BytePool{}
	for i := range p.classes {
		size := 1 << (i + minClassShift)
		p.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

var defaultPool = NewBytePool()

// Default returns the process-wide pool.
func Default() *BytePool { return defaultPool }

func classOf(size int) int {
	if size <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// Get returns a slice of length size. Its capacity may be larger.
func (p *BytePool) Get(size int) []byte {
	if size < 0 {
		size = 0
	}
	c := classOf(size)
	if c < 0 {
		return make([]byte, size)
	}
	bp := p.classes[c].Get().(*[]byte)
	return (*bp)[:size]
}

// Put returns b to its class. Slices whose capacity is not an exact class
// size are ignored.
func (p *BytePool) Put(b []byte) {
	n := cap(b)
	if n < 1<<minClassShift || n > 1<<maxClassShift || n&(n-1) != 0 {
		return
	}
	b = b[:n]
	p.classes[classOf(n)].Put(&b)
}
