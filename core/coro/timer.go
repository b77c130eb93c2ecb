// File: core/coro/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Deadline-ordered timer queue. Entries with equal deadlines fire in
// insertion order.

package coro

import (
	"container/heap"
	"time"
)

type timerEntry struct {
	deadline time.Time
	seq      uint64
	co       *coroutine
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type timerQueue struct {
	h   timerHeap
	seq uint64
	due []*timerEntry
}

func (q *timerQueue) add(deadline time.Time, co *coroutine) *timerEntry {
	q.seq++
	e := &timerEntry{deadline: deadline, seq: q.seq, co: co}
	heap.Push(&q.h, e)
	return e
}

// remove drops e if it is still queued.
func (q *timerQueue) remove(e *timerEntry) {
	if e.index >= 0 {
		heap.Remove(&q.h, e.index)
	}
}

func (q *timerQueue) len() int { return q.h.Len() }

// run resumes every entry due at now and reports the wait until the next
// deadline, if any.
func (q *timerQueue) run(l *Loop, now time.Time) (time.Duration, bool) {
	due := q.due[:0]
	for q.h.Len() > 0 && !q.h[0].deadline.After(now) {
		due = append(due, heap.Pop(&q.h).(*timerEntry))
	}
	for i, e := range due {
		due[i] = nil
		l.resume(e.co)
	}
	q.due = due[:0]
	if q.h.Len() == 0 {
		return 0, false
	}
	return max(time.Until(q.h[0].deadline), 0), true
}

// SleepUntil returns a task that finishes once deadline has passed. If the
// task is destroyed first, its entry is removed and never fires.
func (l *Loop) SleepUntil(deadline time.Time) *Task[struct{}] {
	return NewTask(l, func() (struct{}, error) {
		cur := l.current
		if cur.dying() {
			return struct{}{}, nil
		}
		e := l.timers.add(deadline, cur)
		defer l.timers.remove(e)
		l.suspend(cur)
		return struct{}{}, nil
	})
}

// Sleep is SleepUntil(time.Now().Add(d)).
func (l *Loop) Sleep(d time.Duration) *Task[struct{}] {
	return l.SleepUntil(time.Now().Add(d))
}
