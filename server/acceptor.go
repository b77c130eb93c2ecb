// File: server/acceptor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-loop listener. The acceptor is the loop's root task: it binds, then
// accepts until the server stops, spawning one root task per connection.

package server

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/core/coro"
	"github.com/momentics/hioload-http/reactor"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// acceptPause is how long the acceptor sleeps after running out of
// descriptors or memory.
const acceptPause = 10 * time.Millisecond

type acceptor struct {
	srv  *Server
	loop *coro.Loop
	idx  int
	log  zerolog.Logger

	fd    int
	conns map[*conn]struct{}
}

func newAcceptor(s *Server, l *coro.Loop, idx int) *acceptor {
	return &acceptor{
		srv:   s,
		loop:  l,
		idx:   idx,
		log:   s.log.With().Int("loop", idx).Logger(),
		fd:    -1,
		conns: make(map[*conn]struct{}),
	}
}

func (a *acceptor) run() (struct{}, error) {
	s := a.srv
	addr, err := a.listen()
	if err != nil {
		return struct{}{}, err
	}
	s.listened(a.idx, addr)
	defer a.shutdown()

	for !s.stopping.Load() {
		cfd, err := a.accept()
		if err != nil {
			if errors.Is(err, api.ErrOperationTimeout) {
				continue
			}
			if !temporary(err) {
				return struct{}{}, err
			}
			a.log.Warn().Err(err).Msg("accept")
			if _, err := a.loop.Sleep(acceptPause).Await(); err != nil {
				return struct{}{}, err
			}
			continue
		}
		if s.stopping.Load() {
			a.closeFD(cfd)
			break
		}
		if !a.admit(cfd) {
			s.control.Add(MetricRejected, 1)
			a.closeFD(cfd)
			continue
		}
		s.control.Add(MetricAccepted, 1)
		a.spawn(cfd)
	}
	return struct{}{}, nil
}

// listen creates, binds and listens on the loop's socket. Every loop binds
// the same port with SO_REUSEPORT and the kernel spreads connections.
func (a *acceptor) listen() (netip.AddrPort, error) {
	s := a.srv
	bind, err := s.cfg.bindAddr()
	if err != nil {
		return netip.AddrPort{}, err
	}
	if a.idx > 0 {
		bind = netip.AddrPortFrom(bind.Addr(), s.Addr().Port())
	}
	domain := unix.AF_INET6
	if bind.Addr().Is4() {
		domain = unix.AF_INET
	}
	res, err := a.loop.Socket(domain, unix.SOCK_STREAM, 0).Await()
	if err != nil {
		return netip.AddrPort{}, err
	}
	fd, err := api.CheckResult("socket", res)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, err := bindListen(fd, bind, s.cfg.Backlog)
	if err != nil {
		unix.Close(fd)
		return netip.AddrPort{}, fmt.Errorf("listen %v: %w", bind, err)
	}
	a.fd = fd
	return addr, nil
}

func bindListen(fd int, bind netip.AddrPort, backlog int) (netip.AddrPort, error) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return netip.AddrPort{}, &api.SysError{Op: "setsockopt", Errno: errnoOf(err)}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return netip.AddrPort{}, &api.SysError{Op: "setsockopt", Errno: errnoOf(err)}
	}
	sa, err := reactor.Sockaddr(bind)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return netip.AddrPort{}, &api.SysError{Op: "bind", Errno: errnoOf(err)}
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return netip.AddrPort{}, &api.SysError{Op: "listen", Errno: errnoOf(err)}
	}
	lsa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, &api.SysError{Op: "getsockname", Errno: errnoOf(err)}
	}
	addr, ok := addrPortOf(lsa)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", api.ErrNotSupported)
	}
	return addr, nil
}

func (a *acceptor) accept() (int, error) {
	res, err := a.loop.AcceptTimeout(a.fd, a.srv.cfg.AcceptTimeout).Await()
	if err != nil {
		return -1, err
	}
	return api.CheckResult("accept", res)
}

// admit applies the per-peer accept limits.
func (a *acceptor) admit(cfd int) bool {
	if a.srv.limiter == nil {
		return true
	}
	sa, err := unix.Getpeername(cfd)
	if err != nil {
		return true
	}
	peer, ok := addrPortOf(sa)
	if !ok {
		return true
	}
	if _, ok := a.srv.limiter.Allow(peer.Addr()); !ok {
		a.log.Debug().Str("peer", peer.Addr().String()).Msg("accept rate limited")
		return false
	}
	return true
}

func (a *acceptor) spawn(cfd int) {
	c := newConn(a, cfd)
	c.task = coro.NewTask(a.loop, c.serve)
	a.conns[c] = struct{}{}
	a.loop.Spawn(c.task)
}

func (a *acceptor) forget(c *conn) {
	delete(a.conns, c)
}

// shutdown closes the listener and drops connections waiting for their
// next request. Busy ones finish the request in progress.
func (a *acceptor) shutdown() {
	a.closeFD(a.fd)
	a.fd = -1
	var idle []*conn
	for c := range a.conns {
		if c.idle() {
			idle = append(idle, c)
		}
	}
	for _, c := range idle {
		c.task.Destroy()
	}
	a.srv.acceptors.Add(-1)
	a.log.Info().Int("busy", len(a.conns)).Int("dropped", len(idle)).Msg("acceptor closed")
}

func (a *acceptor) closeFD(fd int) {
	if fd < 0 {
		return
	}
	res, err := a.loop.CloseFD(fd).Await()
	if err == nil {
		_, err = api.CheckResult("close", res)
	}
	if err != nil && !errors.Is(err, unix.ECANCELED) {
		a.log.Debug().Err(err).Int("fd", fd).Msg("close")
	}
}

// temporary lists accept failures that leave the listener usable.
func temporary(err error) bool {
	for _, errno := range []unix.Errno{
		unix.ECONNABORTED, unix.EINTR, unix.EAGAIN, unix.EMFILE,
		unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.EPROTO, unix.EPERM,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func addrPortOf(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)), true
	}
	return netip.AddrPort{}, false
}

func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
