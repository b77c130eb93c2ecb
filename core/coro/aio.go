// File: core/coro/aio.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// I/O operation tasks. Each task submits one tagged op and suspends until
// its completion arrives. Results follow kernel conventions: non-negative
// on success, negated errno on failure; api.CheckResult converts them.

package coro

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/reactor"
	"golang.org/x/sys/unix"
)

const (
	ecanceled = int32(unix.ECANCELED)
	pollIn    = unix.POLLIN
)

// submit runs on the current task. A destroyed task unwinding its defers
// cannot suspend again: its ops are refused, except close which is sent
// without waiting so descriptors are not leaked.
func (l *Loop) submit(op reactor.Op) int {
	cur := l.current
	if cur == nil {
		panic("coro: I/O submitted outside a task")
	}
	if cur.dying() {
		if op.Code == reactor.OpClose {
			tag := l.ops.alloc(nil, false)
			if err := l.drv.Submit(op, tag); err != nil {
				l.ops.release(uint32(tag))
			}
		}
		return -int(ecanceled)
	}
	w := &opWait{co: cur}
	tag := l.ops.alloc(w, op.Link || op.Code == reactor.OpLinkTimeout)
	if err := l.drv.Submit(op, tag); err != nil {
		l.ops.release(uint32(tag))
		return errnoOf(err)
	}
	defer func() {
		if !w.done {
			l.ops.orphan(tag)
			_ = l.drv.Cancel(tag)
		}
	}()
	l.suspend(cur)
	return int(w.res)
}

func errnoOf(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(unix.EIO)
}

// Submit returns a task running op.
func (l *Loop) Submit(op reactor.Op) *Task[int] {
	return NewTask(l, func() (int, error) { return l.submit(op), nil })
}

// Timed races op against a link timeout of d. A timeout surfaces as an
// error wrapping api.ErrOperationTimeout; d <= 0 disables the timeout.
func (l *Loop) Timed(op reactor.Op, d time.Duration) *Task[int] {
	if d <= 0 {
		return l.Submit(op)
	}
	op.Link = true
	return NewTask(l, func() (int, error) {
		out, err := Race2(l.Submit(op), l.LinkTimeout(d))
		if err != nil {
			return 0, err
		}
		if out.Index == 1 {
			return 0, fmt.Errorf("%v: %w", op.Code, api.ErrOperationTimeout)
		}
		return out.First, nil
	})
}

// Nop completes immediately on the next driver round.
func (l *Loop) Nop() *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpNop})
}

// Open opens path relative to the working directory.
func (l *Loop) Open(path string, flags int, mode uint32) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpOpen, Path: path, Flags: flags, Mode: mode})
}

// Socket creates a socket; the result is the descriptor.
func (l *Loop) Socket(domain, typ, proto int) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpSocket, Domain: domain, Type: typ, Proto: proto})
}

// Accept accepts one connection on a listening socket.
func (l *Loop) Accept(fd int) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpAccept, Fd: fd})
}

// AcceptTimeout is Accept bounded by d.
func (l *Loop) AcceptTimeout(fd int, d time.Duration) *Task[int] {
	return l.Timed(reactor.Op{Code: reactor.OpAccept, Fd: fd}, d)
}

// Connect connects fd to peer.
func (l *Loop) Connect(fd int, peer netip.AddrPort) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpConnect, Fd: fd, Peer: peer})
}

// ConnectTimeout is Connect bounded by d.
func (l *Loop) ConnectTimeout(fd int, peer netip.AddrPort, d time.Duration) *Task[int] {
	return l.Timed(reactor.Op{Code: reactor.OpConnect, Fd: fd, Peer: peer}, d)
}

// Read reads into buf at offset; a negative offset uses the file position.
func (l *Loop) Read(fd int, buf []byte, offset int64) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpRead, Fd: fd, Buf: buf, Offset: offset})
}

// Write writes p at offset; a negative offset uses the file position.
func (l *Loop) Write(fd int, p []byte, offset int64) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpWrite, Fd: fd, Buf: p, Offset: offset})
}

// Recv receives into buf.
func (l *Loop) Recv(fd int, buf []byte, flags int) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpRecv, Fd: fd, Buf: buf, Flags: flags})
}

// RecvTimeout is Recv bounded by d.
func (l *Loop) RecvTimeout(fd int, buf []byte, flags int, d time.Duration) *Task[int] {
	return l.Timed(reactor.Op{Code: reactor.OpRecv, Fd: fd, Buf: buf, Flags: flags}, d)
}

// Send sends p; the result may be a short count.
func (l *Loop) Send(fd int, p []byte, flags int) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpSend, Fd: fd, Buf: p, Flags: flags})
}

// SendTimeout is Send bounded by d.
func (l *Loop) SendTimeout(fd int, p []byte, flags int, d time.Duration) *Task[int] {
	return l.Timed(reactor.Op{Code: reactor.OpSend, Fd: fd, Buf: p, Flags: flags}, d)
}

// CloseFD closes fd.
func (l *Loop) CloseFD(fd int) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpClose, Fd: fd})
}

// Poll waits until fd reports one of the events in mask and returns the
// ready events.
func (l *Loop) Poll(fd int, mask int) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpPoll, Fd: fd, Flags: mask})
}

// LinkTimeout must be submitted right after an op with Link set. It
// completes with -ETIME when it fires first.
func (l *Loop) LinkTimeout(d time.Duration) *Task[int] {
	return l.Submit(reactor.Op{Code: reactor.OpLinkTimeout, Timeout: d})
}
