// File: core/coro/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop alternates between due timers and I/O completions. It blocks only on
// the completion driver (bounded by the next deadline) or, when no I/O is
// outstanding, sleeps until the next deadline. With neither left it
// returns.

package coro

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/reactor"
	"github.com/rs/zerolog"
)

// wakeTag identifies the loop's own wake-up poll.
const wakeTag uint64 = 1 << 62

// LoopOption customizes NewLoop.
type LoopOption func(*loopOptions)

type loopOptions struct {
	driver  reactor.Driver
	kind    reactor.Kind
	entries uint32
	log     zerolog.Logger
}

// WithDriver makes the loop use d instead of constructing its own. The
// loop takes ownership and closes d.
func WithDriver(d reactor.Driver) LoopOption {
	return func(o *loopOptions) { o.driver = d }
}

// WithDriverKind selects the driver implementation (default auto).
func WithDriverKind(kind reactor.Kind) LoopOption {
	return func(o *loopOptions) { o.kind = kind }
}

// WithEntries sets the submission queue size.
func WithEntries(n uint32) LoopOption {
	return func(o *loopOptions) { o.entries = n }
}

// WithLogger sets the loop logger.
func WithLogger(log zerolog.Logger) LoopOption {
	return func(o *loopOptions) { o.log = log }
}

// Loop is a single-threaded cooperative scheduler. All methods except Post
// must be called from the goroutine running the loop or from tasks on it.
type Loop struct {
	drv reactor.Driver
	log zerolog.Logger

	frames  []chan struct{}
	current *coroutine

	timers timerQueue
	ops    opTable
	comps  []reactor.Completion
	roots  map[*coroutine]struct{}
	err    error

	mu     sync.Mutex
	posted *queue.Queue
	closed bool

	waker     *waker
	wakeArmed bool
	remote    int
}

// NewLoop creates a loop and its completion driver.
func NewLoop(opts ...LoopOption) (*Loop, error) {
	o := loopOptions{kind: reactor.KindAuto, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	drv := o.driver
	if drv == nil {
		var err error
		if drv, err = reactor.New(o.kind, o.entries); err != nil {
			return nil, fmt.Errorf("loop driver: %w", err)
		}
	}
	w, err := newWaker()
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("loop waker: %w", err)
	}
	l := &Loop{
		drv:    drv,
		log:    o.log.With().Str("component", "loop").Str("driver", string(drv.Kind())).Logger(),
		roots:  make(map[*coroutine]struct{}),
		posted: queue.New(),
		waker:  w,
	}
	return l, nil
}

// DriverKind reports the completion driver in use.
func (l *Loop) DriverKind() reactor.Kind { return l.drv.Kind() }

// Logger returns the loop logger.
func (l *Loop) Logger() zerolog.Logger { return l.log }

// Spawn resumes t once as a root task. It runs until its first suspension
// point before Spawn returns. An error escaping a root task stops the loop
// and is returned by Run.
func (l *Loop) Spawn(t Runnable) {
	c := t.frame()
	if c.started || c.finished {
		panic("coro: spawning a task that was already started")
	}
	l.roots[c] = struct{}{}
	c.onFinish = func() {
		delete(l.roots, c)
		if err := t.failure(); err != nil {
			l.fail(err)
		}
	}
	l.resume(c)
}

func (l *Loop) fail(err error) {
	if l.err == nil {
		l.log.Error().Err(err).Msg("root task failed")
		l.err = err
	}
}

// Pending reports the number of in-flight operations and queued timers.
func (l *Loop) Pending() (ops, timers int) { return l.ops.live, l.timers.len() }

// Run drives the loop until nothing is left to wait on or a root task
// fails.
func (l *Loop) Run() error {
	if l.current != nil {
		panic("coro: Run called from inside a task")
	}
	for l.err == nil {
		l.drainPosted()
		next, hasNext := l.timers.run(l, time.Now())
		if l.err != nil {
			break
		}
		switch {
		case l.ops.live > 0 || l.remote > 0:
			timeout := time.Duration(-1)
			if hasNext {
				timeout = next
			}
			if l.hasPosted() {
				timeout = 0
			}
			if l.remote > 0 {
				if err := l.armWake(); err != nil {
					return err
				}
			}
			if err := l.poll(timeout); err != nil {
				return err
			}
		case l.hasPosted():
		case hasNext:
			time.Sleep(next)
		default:
			return nil
		}
	}
	return l.err
}

func (l *Loop) poll(timeout time.Duration) error {
	comps, err := l.drv.Wait(timeout, l.comps[:0])
	if err != nil {
		return fmt.Errorf("loop wait: %w", err)
	}
	for _, c := range comps {
		l.dispatch(c)
	}
	l.comps = comps[:0]
	return nil
}

func (l *Loop) dispatch(c reactor.Completion) {
	if c.Tag == wakeTag {
		l.wakeArmed = false
		l.waker.drain()
		return
	}
	s, idx, ok := l.ops.lookup(c.Tag)
	if !ok {
		return
	}
	w, linked := s.wait, s.linked
	l.ops.release(idx)
	if w == nil {
		return
	}
	w.done = true
	w.res = c.Res
	// A linked op cancelled by its link timeout stays parked; the timeout
	// side wins the race and destroys it.
	if linked && c.Res == -ecanceled {
		return
	}
	l.resume(w.co)
}

func (l *Loop) armWake() error {
	if l.wakeArmed {
		return nil
	}
	op := reactor.Op{Code: reactor.OpPoll, Fd: l.waker.fd(), Flags: pollIn}
	if err := l.drv.Submit(op, wakeTag); err != nil {
		return fmt.Errorf("loop wake: %w", err)
	}
	l.wakeArmed = true
	return nil
}

// Post queues fn to run on the loop goroutine and wakes the loop. It is
// safe to call from any goroutine. A loop only waits for posts while work
// it handed out (see Offload) is outstanding.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return api.ErrLoopClosed
	}
	l.posted.Add(fn)
	l.mu.Unlock()
	return l.waker.notify()
}

func (l *Loop) hasPosted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.posted.Length() > 0
}

func (l *Loop) drainPosted() {
	l.mu.Lock()
	n := l.posted.Length()
	if n == 0 {
		l.mu.Unlock()
		return
	}
	fns := make([]func(), n)
	for i := range fns {
		fns[i] = l.posted.Remove().(func())
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Close destroys every root task still suspended, flushes the driver and
// releases it. It must not be called while Run is active.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	roots := make([]*coroutine, 0, len(l.roots))
	for c := range l.roots {
		roots = append(roots, c)
	}
	clear(l.roots)
	for _, c := range roots {
		l.destroy(c)
	}
	if l.ops.live > 0 {
		_, _ = l.drv.Wait(0, l.comps[:0])
	}
	return errors.Join(l.waker.close(), l.drv.Close())
}
