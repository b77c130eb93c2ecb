// Package api
// Author: momentics
//
// Executor contract for offloading blocking or CPU-bound work away from
// event loops.

package api

// Executor abstracts parallel task dispatch.
type Executor interface {
	// Submit schedules task for execution on some worker goroutine.
	Submit(task func()) error

	// NumWorkers returns current number of live worker routines.
	NumWorkers() int
}
