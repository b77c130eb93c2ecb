// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync/atomic"

// BytePool hands out byte slices of one fixed size.
type BytePool struct {
	pool *SyncPool[*[]byte]
	size int

	gets   atomic.Int64
	allocs atomic.Int64
}

// NewBytePool returns a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	b := &BytePool{size: size}
	b.pool = NewSyncPool(func() *[]byte {
		b.allocs.Add(1)
		buf := make([]byte, size)
		return &buf
	}, nil)
	return b
}

// Size is the length of every buffer returned by GetBuffer.
func (b *BytePool) Size() int { return b.size }

// GetBuffer returns a buffer from the pool.
func (b *BytePool) GetBuffer() []byte {
	b.gets.Add(1)
	return (*b.pool.Get())[:b.size]
}

// PutBuffer returns a buffer to the pool. Buffers that did not come from a
// pool of this size are dropped.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) < b.size {
		return
	}
	buf = buf[:b.size]
	b.pool.Put(&buf)
}

// Stats reports how many buffers were requested and how many of those had
// to be allocated.
func (b *BytePool) Stats() Stats {
	return Stats{Size: b.size, Gets: b.gets.Load(), Allocs: b.allocs.Load()}
}

// Stats is a snapshot of one size class.
type Stats struct {
	Size   int
	Gets   int64
	Allocs int64
}
