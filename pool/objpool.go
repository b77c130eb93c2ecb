// File: pool/objpool.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync"

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool wraps sync.Pool for generic usage. BytePool keeps its size
// classes in one.
type SyncPool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

var _ ObjectPool[*[]byte] = (*SyncPool[*[]byte])(nil)

// NewSyncPool creates a new SyncPool with a creator function. reset, when
// not nil, runs on every object handed back through Put.
func NewSyncPool[T any](creator func() T, reset func(T)) *SyncPool[T] {
	return &SyncPool[T]{
		pool:  sync.Pool{New: func() any { return creator() }},
		reset: reset,
	}
}

func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

func (sp *SyncPool[T]) Put(obj T) {
	if sp.reset != nil {
		sp.reset(obj)
	}
	sp.pool.Put(obj)
}
