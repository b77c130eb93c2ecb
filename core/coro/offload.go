// File: core/coro/offload.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Offloading blocking or CPU-bound work to an executor.

package coro

import (
	"errors"

	"github.com/momentics/hioload-http/api"
)

// ErrDestroyed is returned by work that cannot start because its task is
// being torn down.
var ErrDestroyed = errors.New("coro: task is being destroyed")

// Offload returns a task that runs fn on exec and suspends until the result
// is posted back to the loop. While offloaded work is outstanding the loop
// keeps waiting for it even with no I/O in flight. If the task is destroyed
// first the result is dropped.
func Offload[T any](l *Loop, exec api.Executor, fn func() (T, error)) *Task[T] {
	return NewTask(l, func() (T, error) {
		cur := l.current
		if cur.dying() {
			var zero T
			return zero, ErrDestroyed
		}
		var cell api.Cell[T]
		l.remote++
		err := exec.Submit(func() {
			v, err := safeCall(fn)
			postErr := l.Post(func() {
				l.remote--
				if err != nil {
					cell.SetError(err)
				} else {
					cell.SetValue(v)
				}
				l.resume(cur)
			})
			if postErr != nil {
				l.log.Warn().Err(postErr).Msg("offload result dropped")
			}
		})
		if err != nil {
			l.remote--
			var zero T
			return zero, err
		}
		l.suspend(cur)
		return cell.Result()
	})
}

func safeCall[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.NewPanicError(r)
		}
	}()
	return fn()
}
