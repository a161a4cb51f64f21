// Package optimize holds allocation helpers for hot paths.
package optimize

import (
	"sync"
)

// BytePool is a pool of fixed-size byte slices. The receive path uses it to
// hand frame payloads between goroutines without allocating per frame.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool of slices of length size.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size returns the length of slices handed out by Get.
func (p *BytePool) Size() int {
	return p.size
}

// Get returns a slice of length Size. Its contents are undefined.
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns b to the pool. Slices too small for the pool are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
