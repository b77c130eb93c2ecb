//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - completion emulation over Linux epoll.
//
// Ops are attempted non-blockingly; the ones that would block park on
// their descriptor until a level-triggered readiness event retries them.
// Link timeouts are kept in a deadline heap and mirror the kernel's
// linked-timeout results.

package reactor

import (
	"container/heap"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 128

type pendingOp struct {
	op   Op
	tag  uint64
	want uint32

	// timeout guards this op; target is the op a link timeout guards.
	timeout *pendingOp
	target  *pendingOp

	deadline time.Time
	hidx     int

	parked     bool
	done       bool
	connecting bool
}

type fdWaiters struct {
	waiters []*pendingOp
	events  uint32
}

type epollDriver struct {
	epfd      int
	fds       map[int]*fdWaiters
	byTag     map[uint64]*pendingOp
	ready     []*pendingOp
	deadlines deadlineHeap
	lastLink  *pendingOp
	comps     []Completion
	events    [maxEpollEvents]unix.EpollEvent
}

func newEpollDriver() (*epollDriver, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollDriver{
		epfd:  epfd,
		fds:   make(map[int]*fdWaiters),
		byTag: make(map[uint64]*pendingOp),
	}, nil
}

func (d *epollDriver) Kind() Kind { return KindEpoll }

func (d *epollDriver) Submit(op Op, tag uint64) error {
	p := &pendingOp{op: op, tag: tag, hidx: -1}
	d.byTag[tag] = p
	if op.Code == OpLinkTimeout {
		target := d.lastLink
		d.lastLink = nil
		switch {
		case target == nil:
			d.complete(p, -int32(unix.EINVAL))
		case target.done:
			d.complete(p, -int32(unix.ECANCELED))
		default:
			target.timeout = p
			p.target = target
			p.deadline = time.Now().Add(op.Timeout)
			heap.Push(&d.deadlines, p)
		}
		return nil
	}
	d.lastLink = nil
	if op.Link {
		d.lastLink = p
	}
	d.ready = append(d.ready, p)
	return nil
}

func (d *epollDriver) Cancel(tag uint64) error {
	if p, ok := d.byTag[tag]; ok {
		d.complete(p, -int32(unix.ECANCELED))
	}
	return nil
}

func (d *epollDriver) Wait(timeout time.Duration, out []Completion) ([]Completion, error) {
	ready := d.ready
	d.ready = nil
	for _, p := range ready {
		if !p.done {
			d.attempt(p)
		}
	}

	n, err := unix.EpollWait(d.epfd, d.events[:], d.waitMillis(timeout))
	if err != nil && err != unix.EINTR {
		return out, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		d.dispatch(int(d.events[i].Fd), d.events[i].Events)
	}
	d.expire(time.Now())

	out = append(out, d.comps...)
	d.comps = d.comps[:0]
	return out, nil
}

func (d *epollDriver) waitMillis(timeout time.Duration) int {
	if len(d.comps) > 0 || len(d.ready) > 0 {
		return 0
	}
	if d.deadlines.Len() > 0 {
		until := max(time.Until(d.deadlines[0].deadline), 0)
		if timeout < 0 || until < timeout {
			timeout = until
		}
	}
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

// dispatch retries every op parked on fd whose interest matches revents.
func (d *epollDriver) dispatch(fd int, revents uint32) {
	w := d.fds[fd]
	if w == nil {
		return
	}
	if revents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		revents |= unix.EPOLLIN | unix.EPOLLOUT
	}
	var retry []*pendingOp
	kept := w.waiters[:0]
	for _, p := range w.waiters {
		if p.want&revents != 0 {
			p.parked = false
			retry = append(retry, p)
		} else {
			kept = append(kept, p)
		}
	}
	w.waiters = kept
	d.update(fd, w)
	for _, p := range retry {
		if !p.done {
			d.attempt(p)
		}
	}
}

func (d *epollDriver) expire(now time.Time) {
	for d.deadlines.Len() > 0 && !d.deadlines[0].deadline.After(now) {
		p := heap.Pop(&d.deadlines).(*pendingOp)
		d.complete(p, -int32(unix.ETIME))
	}
}

func (d *epollDriver) attempt(p *pendingOp) {
	op := &p.op
	switch op.Code {
	case OpNop:
		d.complete(p, 0)
	case OpOpen:
		fd, err := unix.Open(op.Path, op.Flags|unix.O_CLOEXEC, op.Mode)
		d.finish(p, fd, err)
	case OpSocket:
		fd, err := unix.Socket(op.Domain, op.Type|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, op.Proto)
		d.finish(p, fd, err)
	case OpAccept:
		nfd, _, err := unix.Accept4(op.Fd, op.Flags|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if wouldBlock(err) {
			d.park(p, unix.EPOLLIN)
			return
		}
		d.finish(p, nfd, err)
	case OpConnect:
		d.connect(p)
	case OpRead:
		var n int
		var err error
		if op.Offset >= 0 {
			n, err = unix.Pread(op.Fd, op.Buf, op.Offset)
		} else {
			n, err = unix.Read(op.Fd, op.Buf)
		}
		if wouldBlock(err) {
			d.park(p, unix.EPOLLIN)
			return
		}
		d.finish(p, n, err)
	case OpWrite:
		var n int
		var err error
		if op.Offset >= 0 {
			n, err = unix.Pwrite(op.Fd, op.Buf, op.Offset)
		} else {
			n, err = unix.Write(op.Fd, op.Buf)
		}
		if wouldBlock(err) {
			d.park(p, unix.EPOLLOUT)
			return
		}
		d.finish(p, n, err)
	case OpRecv:
		n, _, err := unix.Recvfrom(op.Fd, op.Buf, op.Flags|unix.MSG_DONTWAIT)
		if wouldBlock(err) {
			d.park(p, unix.EPOLLIN)
			return
		}
		d.finish(p, n, err)
	case OpSend:
		n, err := unix.SendmsgN(op.Fd, op.Buf, nil, nil, op.Flags|unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		if wouldBlock(err) {
			d.park(p, unix.EPOLLOUT)
			return
		}
		d.finish(p, n, err)
	case OpClose:
		d.forget(op.Fd)
		d.finish(p, 0, unix.Close(op.Fd))
	case OpPoll:
		fds := []unix.PollFd{{Fd: int32(op.Fd), Events: int16(op.Flags)}}
		n, err := unix.Poll(fds, 0)
		if err != nil && err != unix.EINTR {
			d.finish(p, 0, err)
			return
		}
		if n > 0 {
			d.complete(p, int32(uint16(fds[0].Revents)))
			return
		}
		d.park(p, pollInterest(op.Flags))
	default:
		d.complete(p, -int32(unix.EINVAL))
	}
}

func (d *epollDriver) connect(p *pendingOp) {
	op := &p.op
	if p.connecting {
		v, err := unix.GetsockoptInt(op.Fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && v != 0 {
			err = unix.Errno(v)
		}
		d.finish(p, 0, err)
		return
	}
	sa, err := Sockaddr(op.Peer)
	if err != nil {
		d.complete(p, -int32(unix.EINVAL))
		return
	}
	err = unix.Connect(op.Fd, sa)
	if err == unix.EINPROGRESS || err == unix.EALREADY || err == unix.EINTR {
		p.connecting = true
		d.park(p, unix.EPOLLOUT)
		return
	}
	d.finish(p, 0, err)
}

func (d *epollDriver) finish(p *pendingOp, n int, err error) {
	if err != nil {
		d.complete(p, errnoRes(err))
		return
	}
	d.complete(p, int32(n))
}

// complete posts res for p once and settles its link partner.
func (d *epollDriver) complete(p *pendingOp, res int32) {
	if p.done {
		return
	}
	p.done = true
	delete(d.byTag, p.tag)
	d.unpark(p)
	if p.hidx >= 0 {
		heap.Remove(&d.deadlines, p.hidx)
	}
	d.comps = append(d.comps, Completion{Tag: p.tag, Res: res})
	if t := p.timeout; t != nil {
		p.timeout = nil
		d.complete(t, -int32(unix.ECANCELED))
	}
	if target := p.target; target != nil && res == -int32(unix.ETIME) {
		d.complete(target, -int32(unix.ECANCELED))
	}
}

func (d *epollDriver) park(p *pendingOp, want uint32) {
	fd := p.op.Fd
	w := d.fds[fd]
	if w == nil {
		w = &fdWaiters{}
		d.fds[fd] = w
	}
	p.want = want
	p.parked = true
	w.waiters = append(w.waiters, p)
	if err := d.update(fd, w); err != nil {
		d.complete(p, errnoRes(err))
	}
}

func (d *epollDriver) unpark(p *pendingOp) {
	if !p.parked {
		return
	}
	p.parked = false
	fd := p.op.Fd
	w := d.fds[fd]
	if w == nil {
		return
	}
	for i, q := range w.waiters {
		if q == p {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			break
		}
	}
	d.update(fd, w)
}

// update syncs the epoll registration of fd with the union of its waiters.
func (d *epollDriver) update(fd int, w *fdWaiters) error {
	var mask uint32
	for _, p := range w.waiters {
		mask |= p.want
	}
	if mask == 0 {
		if w.events != 0 {
			_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
		delete(d.fds, fd)
		return nil
	}
	if mask == w.events {
		return nil
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	var err error
	if w.events == 0 {
		err = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	} else if err = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err == unix.ENOENT {
		// fd was closed and reused behind our back.
		err = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("epoll ctl fd %d: %w", fd, err)
	}
	w.events = mask
	return nil
}

// forget drops fd ahead of close(2); ops still parked on it fail with
// -EBADF since the descriptor number may be reused.
func (d *epollDriver) forget(fd int) {
	w := d.fds[fd]
	if w == nil {
		return
	}
	if w.events != 0 {
		_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	delete(d.fds, fd)
	waiters := w.waiters
	w.waiters = nil
	for _, p := range waiters {
		p.parked = false
		d.complete(p, -int32(unix.EBADF))
	}
}

func (d *epollDriver) Close() error {
	return unix.Close(d.epfd)
}

func wouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EINTR
}

func pollInterest(mask int) uint32 {
	var want uint32
	if mask&(unix.POLLIN|unix.POLLPRI|unix.POLLRDHUP) != 0 {
		want |= unix.EPOLLIN
	}
	if mask&unix.POLLOUT != 0 {
		want |= unix.EPOLLOUT
	}
	if want == 0 {
		want = unix.EPOLLIN
	}
	return want
}

// deadlineHeap orders link timeouts by expiry.
type deadlineHeap []*pendingOp

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].hidx = i
	h[j].hidx = j
}

func (h *deadlineHeap) Push(x any) {
	p := x.(*pendingOp)
	p.hidx = len(*h)
	*h = append(*h, p)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.hidx = -1
	*h = old[:n-1]
	return p
}
