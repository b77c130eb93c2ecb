//go:build unix && !linux

// File: core/coro/wake_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Self-pipe wake-up for unix systems without eventfd.

package coro

import "golang.org/x/sys/unix"

type waker struct {
	p   [2]int
	buf [64]byte
}

func newWaker() (*waker, error) {
	var w waker
	if err := unix.Pipe(w.p[:]); err != nil {
		return nil, err
	}
	for _, fd := range w.p {
		if err := unix.SetNonblock(fd, true); err != nil {
			w.close()
			return nil, err
		}
	}
	return &w, nil
}

func (w *waker) fd() int { return w.p[0] }

func (w *waker) notify() error {
	_, err := unix.Write(w.p[1], []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (w *waker) drain() {
	for {
		n, err := unix.Read(w.p[0], w.buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *waker) close() error {
	unix.Close(w.p[1])
	return unix.Close(w.p[0])
}
