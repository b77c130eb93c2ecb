//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux driver factory and shared helpers.

package reactor

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/momentics/hioload-http/api"
	"golang.org/x/sys/unix"
)

// DefaultEntries is the submission queue size used when none is given.
const DefaultEntries = 256

// New constructs a driver of the requested kind. KindAuto prefers io_uring
// and falls back to the epoll emulation when the ring cannot be created
// (old kernel, seccomp or a disabled io_uring sysctl) or the kernel lacks
// an opcode the driver submits.
func New(kind Kind, entries uint32) (Driver, error) {
	if entries == 0 {
		entries = DefaultEntries
	}
	switch kind {
	case KindUring:
		return newUringDriver(entries)
	case KindEpoll:
		return newEpollDriver()
	case KindAuto, "":
		if d, err := newUringDriver(entries); err == nil {
			return d, nil
		}
		return newEpollDriver()
	}
	return nil, fmt.Errorf("reactor kind %q: %w", kind, api.ErrInvalidArgument)
}

// Sockaddr converts a netip peer into the unix representation.
func Sockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	switch {
	case addr.Is4():
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	case addr.Is6():
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
	}
	return nil, fmt.Errorf("sockaddr %v: %w", ap, api.ErrInvalidArgument)
}

// errnoRes turns a syscall error into a negated errno result.
func errnoRes(err error) int32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}

// Available reports the driver KindAuto selects on this kernel.
func Available() Kind {
	d, err := newUringDriver(8)
	if err != nil {
		return KindEpoll
	}
	d.Close()
	return KindUring
}
