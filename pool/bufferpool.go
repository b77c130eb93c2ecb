// File: pool/bufferpool.go
// Author: momentics <momentics@gmail.com>
//
// BufferPoolManager keeps one BytePool per size class so components asking
// for the same size share buffers.

package pool

import (
	"slices"
	"sync"
)

// BufferPoolManager provides size-segmented pools.
type BufferPoolManager struct {
	mu    sync.RWMutex
	pools map[int]*BytePool
}

// NewBufferPoolManager creates and initializes a new manager.
func NewBufferPoolManager() *BufferPoolManager {
	return &BufferPoolManager{
		pools: make(map[int]*BytePool),
	}
}

// GetPool obtains or creates the pool for size-byte buffers.
func (m *BufferPoolManager) GetPool(size int) *BytePool {
	m.mu.RLock()
	pool, ok := m.pools[size]
	m.mu.RUnlock()
	if ok {
		return pool
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool, ok := m.pools[size]; ok {
		return pool
	}
	pool = NewBytePool(size)
	m.pools[size] = pool
	return pool
}

// Stats returns one snapshot per size class, smallest first.
func (m *BufferPoolManager) Stats() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Stats) int { return a.Size - b.Size })
	return out
}
