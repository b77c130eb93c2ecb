// File: core/coro/race.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// First-of-N combinator. Operands 0..N-2 are started eagerly, each running
// up to its first suspension point; if one of them finishes on the way the
// rest are never started. Otherwise the racer hands control to the last
// operand and waits. Whoever finishes first is the winner and every other
// operand is destroyed before the racer continues.

package coro

type raceCtl struct {
	racer   *coroutine
	winner  int
	waiting bool
}

// Choice is the outcome of Race: the index of the winning task and its
// result.
type Choice[T any] struct {
	Index int
	Value T
}

// Either is the outcome of Race2. Index selects which of First and Second
// holds the winner's value.
type Either[A, B any] struct {
	Index  int
	First  A
	Second B
}

func (l *Loop) race(frames []*coroutine) int {
	cur := l.current
	if cur == nil {
		panic("coro: Race called outside a task")
	}
	if len(frames) == 0 {
		panic("coro: Race needs at least one task")
	}
	r := &raceCtl{racer: cur, winner: -1}
	for i, c := range frames {
		if c.started || c.finished {
			panic("coro: racing a task that was already started")
		}
		c.race = r
		c.raceIdx = i
		c.doomed = cur.dying()
		cur.addChild(c)
	}
	last := len(frames) - 1
	for _, c := range frames[:last] {
		l.resume(c)
		if r.winner >= 0 {
			break
		}
	}
	if r.winner < 0 {
		r.waiting = true
		l.switchTo(frames[last])
		cur.park()
	}
	for i, c := range frames {
		cur.removeChild(c)
		if i != r.winner {
			l.destroy(c)
		}
	}
	return r.winner
}

// Race runs tasks until the first one finishes and returns its index and
// result. The losers are destroyed.
func Race[T any](tasks ...*Task[T]) (Choice[T], error) {
	if len(tasks) == 0 {
		panic("coro: Race needs at least one task")
	}
	frames := make([]*coroutine, len(tasks))
	for i, t := range tasks {
		frames[i] = t.co
	}
	idx := tasks[0].co.loop.race(frames)
	v, err := tasks[idx].Result()
	return Choice[T]{Index: idx, Value: v}, err
}

// Race2 races two tasks of different result types.
func Race2[A, B any](a *Task[A], b *Task[B]) (Either[A, B], error) {
	idx := a.co.loop.race([]*coroutine{a.co, b.co})
	var out Either[A, B]
	out.Index = idx
	var err error
	if idx == 0 {
		out.First, err = a.Result()
	} else {
		out.Second, err = b.Result()
	}
	return out, err
}
