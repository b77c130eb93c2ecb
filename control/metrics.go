// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for system-level monitoring.
// Counters are lock-free after first use; gauges are set under a lock.

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRegistry holds counters and arbitrary gauge values.
type MetricsRegistry struct {
	counters sync.Map // string -> *atomic.Int64

	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

func (mr *MetricsRegistry) counter(key string) *atomic.Int64 {
	if c, ok := mr.counters.Load(key); ok {
		return c.(*atomic.Int64)
	}
	c, _ := mr.counters.LoadOrStore(key, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Add adds delta to the counter key.
func (mr *MetricsRegistry) Add(key string, delta int64) {
	mr.counter(key).Add(delta)
}

// Inc adds one to the counter key.
func (mr *MetricsRegistry) Inc(key string) { mr.Add(key, 1) }

// Counter reads a counter.
func (mr *MetricsRegistry) Counter(key string) int64 {
	return mr.counter(key).Load()
}

// Set sets or updates a gauge.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Updated returns when a gauge last changed.
func (mr *MetricsRegistry) Updated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}

// GetSnapshot returns gauges and counters in one map.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	mr.mu.RUnlock()
	mr.counters.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
