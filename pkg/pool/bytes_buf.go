package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// Buffers are pooled by power-of-two size classes up to 1<<maxClass bytes.
const maxClass = 17

var bufPools [maxClass + 1]sync.Pool

// Buffer is a pooled byte slice. Bytes has exactly the length asked in GetBuf.
type Buffer struct {
	b     []byte
	class int
}

func (b *Buffer) Bytes() []byte {
	return b.b
}

// Release returns the buffer to the pool. b must not be used afterwards.
func (b *Buffer) Release() {
	if b.class < 0 {
		return
	}
	b.b = b.b[:cap(b.b)]
	bufPools[b.class].Put(b)
}

// GetBuf returns a *Buffer whose Bytes() has length size.
// Sizes over the largest class are allocated and never pooled.
func GetBuf(size int) *Buffer {
	if size < 0 {
		panic(fmt.Sprintf("pool: invalid buf size %d", size))
	}
	c := sizeClass(size)
	if c > maxClass {
		return &Buffer{b: make([]byte, size), class: -1}
	}
	if v, ok := bufPools[c].Get().(*Buffer); ok {
		v.b = v.b[:size]
		return v
	}
	return &Buffer{b: make([]byte, size, 1<<c), class: c}
}

func sizeClass(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len(uint(size - 1))
}
