// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Future is the submitter's handle on a closure running in a Pool.

package concurrency

import (
	"sync"

	"github.com/momentics/hioload-http/api"
)

// Future carries the result of one submitted closure. The result is
// written exactly once by the worker.
type Future[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond
	cell api.Cell[T]
	done chan struct{}
}

func newFuture[T any]() *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Resolved returns a future already holding v or err.
func Resolved[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.set(v, err)
	return f
}

func (f *Future[T]) set(v T, err error) {
	f.mu.Lock()
	if err != nil {
		f.cell.SetError(err)
	} else {
		f.cell.SetValue(v)
	}
	close(f.done)
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Wait blocks until the result is written.
func (f *Future[T]) Wait() {
	f.mu.Lock()
	for !f.cell.Ready() {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

// Get waits and returns the value or the error raised by the closure.
func (f *Future[T]) Get() (T, error) {
	f.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cell.Result()
}

// Done is closed once the result is written.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Go runs fn on exec and returns its future. A panic in fn is stored as
// *api.PanicError; a refused submission resolves the future with the
// submission error.
func Go[T any](exec api.Executor, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	err := exec.Submit(func() {
		var (
			v   T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = api.NewPanicError(r)
				}
			}()
			v, err = fn()
		}()
		f.set(v, err)
	})
	if err != nil {
		var zero T
		f.set(zero, err)
	}
	return f
}
