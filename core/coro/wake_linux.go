//go:build linux

// File: core/coro/wake_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cross-goroutine wake-up through a nonblocking eventfd.

package coro

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

type waker struct {
	efd int
	buf [8]byte
}

func newWaker() (*waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &waker{efd: fd}, nil
}

func (w *waker) fd() int { return w.efd }

func (w *waker) notify() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(w.efd, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (w *waker) drain() {
	_, _ = unix.Read(w.efd, w.buf[:])
}

func (w *waker) close() error { return unix.Close(w.efd) }
