// File: core/coro/task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Task handle and result propagation.

package coro

import "github.com/momentics/hioload-http/api"

// Task is a lazily started unit of work producing a T. A task is owned by
// exactly one party: it is either awaited once by another task or spawned
// once as a root on its loop.
type Task[T any] struct {
	co   *coroutine
	cell api.Cell[T]
}

// NewTask wraps fn without running it. Errors returned by fn and panics
// raised inside it (as *api.PanicError) are stored and surface from Await
// or Result.
func NewTask[T any](l *Loop, fn func() (T, error)) *Task[T] {
	t := &Task[T]{}
	t.co = newCoroutine(l, func() {
		defer func() {
			if r := recover(); r != nil {
				t.cell.SetError(api.NewPanicError(r))
			}
		}()
		v, err := fn()
		if err != nil {
			t.cell.SetError(err)
			return
		}
		t.cell.SetValue(v)
	})
	return t
}

// Await runs the task to completion from inside the calling task and
// returns its result. Control passes to the awaited task immediately and
// comes back when it finishes.
func (t *Task[T]) Await() (T, error) {
	l := t.co.loop
	cur := l.current
	if cur == nil {
		panic("coro: Await called outside a task")
	}
	l.await(cur, t.co)
	return t.cell.Result()
}

// Result returns the stored outcome of a finished task. An unfinished task
// yields api.ErrResultEmpty.
func (t *Task[T]) Result() (T, error) { return t.cell.Result() }

// Done reports whether the task ran to completion or was destroyed.
func (t *Task[T]) Done() bool { return t.co.finished }

// Destroy unwinds a task that has not finished, running the deferred
// cleanup of its body and of every task it is suspended on. It is a no-op
// on finished or already destroyed tasks.
func (t *Task[T]) Destroy() { t.co.loop.destroy(t.co) }

func (t *Task[T]) frame() *coroutine { return t.co }

func (t *Task[T]) failure() error {
	_, err := t.cell.Result()
	return err
}

// Runnable is any task a loop can spawn as a root.
type Runnable interface {
	frame() *coroutine
	failure() error
}

// Run spawns fn as a root task on l, drives the loop until it has nothing
// left to wait on and returns fn's result.
func Run[T any](l *Loop, fn func() (T, error)) (T, error) {
	t := NewTask(l, fn)
	l.Spawn(t)
	if err := l.Run(); err != nil {
		var zero T
		return zero, err
	}
	return t.Result()
}
