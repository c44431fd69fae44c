package optimize

import (
	"math/bits"
	"sync"
)

const (
	minClassBits = 10 // 1 KiB
	maxClassBits = 26 // 64 MiB
)

// BufferPool hands out byte slices from power-of-two size classes so frame
// conversions of varying resolution can reuse their scratch buffers.
type BufferPool struct {
	classes [maxClassBits - minClassBits + 1]sync.Pool
}

func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	for i := range p.classes {
		size := 1 << (i + minClassBits)
		p.classes[i].New = func() interface{} {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

func classOf(n int) int {
	if n <= 1<<minClassBits {
		return 0
	}
	return bits.Len(uint(n-1)) - minClassBits
}

// Get returns a slice of length n. Its contents are undefined.
func (p *BufferPool) Get(n int) []byte {
	c := classOf(n)
	if c >= len(p.classes) {
		return make([]byte, n)
	}
	b := p.classes[c].Get().(*[]byte)
	return (*b)[:n]
}

// Put returns b to the pool. Slices not obtained from Get are dropped
// unless their capacity matches a size class.
func (p *BufferPool) Put(b []byte) {
	c := cap(b)
	if c < 1<<minClassBits || c&(c-1) != 0 {
		return
	}
	idx := bits.Len(uint(c)) - 1 - minClassBits
	if idx >= len(p.classes) {
		return
	}
	b = b[:c]
	p.classes[idx].Put(&b)
}
