// Package pool caches copy buffers between the many file transfers of a run.
//
// sync.Pool keeps allocated but unused objects for reuse and drops them on
// garbage collection, which suits short-lived buffers but not connections.
package pool

import "sync"

// FixedBufferPool hands out byte slices of one fixed size.
type FixedBufferPool struct {
	size int
	pool sync.Pool
}

// NewFixedBuffer creates a pool of size-byte buffers.
func NewFixedBuffer(size int) *FixedBufferPool {
	fp := &FixedBufferPool{size: size}
	fp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return fp
}

// Get returns a buffer whose length equals the pool size.
func (fp *FixedBufferPool) Get() *[]byte {
	b := fp.pool.Get().(*[]byte)
	*b = (*b)[:fp.size]
	return b
}

// Put returns b to the pool. Buffers of a foreign size are dropped.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
