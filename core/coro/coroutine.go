// File: core/coro/coroutine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame and baton handoff. Each coroutine body runs on its own goroutine,
// but a coroutine only executes while it holds the loop's baton: switchTo
// hands the baton over, park waits for it, and the frame stack records who
// gets it back when the running chain suspends.

package coro

import "runtime"

type coroutine struct {
	loop *Loop
	body func()
	wake chan struct{}

	started   bool
	finished  bool
	destroyed bool
	// unwinding is set once the destroyed body started running its defers;
	// further wake-ups during cleanup are ordinary resumptions.
	unwinding bool
	// doomed frames were started by a frame that is unwinding. They never
	// suspend: I/O is refused and sleeps return at once.
	doomed bool

	// cont is resumed when the body finishes; set by Await.
	cont *coroutine
	// children are frames this coroutine is suspended on, destroyed
	// before the coroutine itself.
	children []*coroutine

	race    *raceCtl
	raceIdx int

	onFinish func()
}

func newCoroutine(l *Loop, body func()) *coroutine {
	return &coroutine{loop: l, body: body, wake: make(chan struct{}, 1)}
}

func (c *coroutine) run() {
	defer c.exit()
	c.body()
}

// park blocks the coroutine's goroutine until it holds the baton again.
// A destroyed coroutine unwinds its stack from here, running defers.
func (c *coroutine) park() {
	<-c.wake
	if c.destroyed && !c.unwinding {
		c.unwinding = true
		runtime.Goexit()
	}
}

func (c *coroutine) dying() bool { return c.destroyed || c.doomed }

func (c *coroutine) exit() {
	l := c.loop
	c.finished = true
	if c.destroyed {
		l.popFrame()
		return
	}
	if c.onFinish != nil {
		c.onFinish()
	}
	if r := c.race; r != nil {
		if r.winner < 0 {
			r.winner = c.raceIdx
			if r.waiting {
				r.waiting = false
				l.switchTo(r.racer)
				return
			}
		}
		l.popFrame()
		return
	}
	if c.cont != nil {
		l.switchTo(c.cont)
		return
	}
	l.popFrame()
}

func (c *coroutine) addChild(child *coroutine) {
	c.children = append(c.children, child)
}

func (c *coroutine) removeChild(child *coroutine) {
	for i, ch := range c.children {
		if ch == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

// switchTo hands the baton to c without waiting for it back.
func (l *Loop) switchTo(c *coroutine) {
	l.current = c
	if !c.started {
		c.started = true
		go c.run()
		return
	}
	c.wake <- struct{}{}
}

// resume runs c until the chain it belongs to suspends or finishes.
func (l *Loop) resume(c *coroutine) {
	if c.finished {
		return
	}
	prev := l.current
	frame := make(chan struct{})
	l.frames = append(l.frames, frame)
	l.switchTo(c)
	<-frame
	l.current = prev
}

// popFrame returns the baton to whoever called resume last.
func (l *Loop) popFrame() {
	n := len(l.frames) - 1
	frame := l.frames[n]
	l.frames = l.frames[:n]
	close(frame)
}

// suspend gives the baton back and waits until the coroutine is resumed.
func (l *Loop) suspend(c *coroutine) {
	l.popFrame()
	c.park()
}

// await starts child with cur as its continuation and parks cur until the
// child finishes.
func (l *Loop) await(cur, child *coroutine) {
	if child.started || child.finished {
		panic("coro: awaiting a task that was already started")
	}
	child.cont = cur
	child.doomed = cur.dying()
	cur.addChild(child)
	l.switchTo(child)
	cur.park()
	cur.removeChild(child)
}

// destroy unwinds a frame that has not finished. Nested frames it is
// suspended on go first. Destroying a finished or destroyed frame is a
// no-op. A destroyed root leaves the loop without failing it.
func (l *Loop) destroy(c *coroutine) {
	if c.finished || c.destroyed {
		return
	}
	if c == l.current {
		panic("coro: a task cannot destroy itself")
	}
	delete(l.roots, c)
	if !c.started {
		c.destroyed = true
		c.finished = true
		return
	}
	for len(c.children) > 0 {
		child := c.children[len(c.children)-1]
		c.children = c.children[:len(c.children)-1]
		l.destroy(child)
	}
	c.destroyed = true
	prev := l.current
	frame := make(chan struct{})
	l.frames = append(l.frames, frame)
	l.current = c
	c.wake <- struct{}{}
	<-frame
	l.current = prev
}
