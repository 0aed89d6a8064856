package outbuf

import (
	"sync"
)

// Allocator supplies chunk storage to a [Buffer].
//
// Allocate must return a slice of length at least size. Release is called
// with each slice Allocate returned, once the chunk has been fully sent, and
// the buffer will not touch it again.
type Allocator interface {
	Allocate(size int) []byte
	Release(buf []byte)
}

// HeapAllocator allocates every chunk with make, and leaves reclamation to
// the garbage collector.
type HeapAllocator struct{}

var _ Allocator = HeapAllocator{}

// Allocate implements [Allocator].
func (HeapAllocator) Allocate(size int) []byte { return make([]byte, size) }

// Release implements [Allocator].
func (HeapAllocator) Release([]byte) {}

// PoolAllocator recycles chunks of one fixed size through a [sync.Pool].
// Requests larger than that size are served by the heap, and not pooled.
//
// A PoolAllocator is safe for concurrent use, and may be shared between
// buffers, normally configured with a matching [WithMinimumChunkSize].
type PoolAllocator struct {
	pool sync.Pool
	size int
}

var _ Allocator = (*PoolAllocator)(nil)

// NewPoolAllocator returns a PoolAllocator for chunks of size bytes. It
// panics if size is not positive.
func NewPoolAllocator(size int) *PoolAllocator {
	if size <= 0 {
		panic(`outbuf: pool allocator size must be positive`)
	}
	a := &PoolAllocator{size: size}
	a.pool.New = func() any {
		b := make([]byte, a.size)
		return &b
	}
	return a
}

// Size returns the pooled chunk size.
func (a *PoolAllocator) Size() int { return a.size }

// Allocate implements [Allocator].
func (a *PoolAllocator) Allocate(size int) []byte {
	if size > a.size {
		return make([]byte, size)
	}
	return *a.pool.Get().(*[]byte)
}

// Release implements [Allocator].
func (a *PoolAllocator) Release(buf []byte) {
	if cap(buf) != a.size {
		return
	}
	buf = buf[:a.size]
	a.pool.Put(&buf)
}
