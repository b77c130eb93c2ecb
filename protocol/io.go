// File: protocol/io.go
// Package protocol implements HTTP/1.1 requests and responses over the
// coroutine event loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IO is the plain socket stream. Every receive and send is raced against
// a link timeout; a timeout, reset or short write ends the connection with
// an *api.ConnError.

package protocol

import (
	"errors"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/core/coro"
	"golang.org/x/sys/unix"
)

// IO is a connected socket owned by one task on loop.
type IO struct {
	loop *coro.Loop
	fd   int

	bytesReceived int64
	bytesSent     int64
}

var _ api.Stream = (*IO)(nil)

// NewIO wraps a connected, non-blocking socket descriptor.
func NewIO(l *coro.Loop, fd int) *IO {
	return &IO{loop: l, fd: fd}
}

// Loop returns the owning loop.
func (c *IO) Loop() *coro.Loop { return c.loop }

// Fd returns the socket descriptor.
func (c *IO) Fd() int { return c.fd }

// Recv reads at most len(buf) bytes. Zero bytes with a nil error means the
// peer closed its side.
func (c *IO) Recv(buf []byte, timeout time.Duration) (int, error) {
	res, err := c.loop.RecvTimeout(c.fd, buf, 0, timeout).Await()
	if err != nil {
		return 0, &api.ConnError{Op: "recv", Err: err}
	}
	n, err := api.CheckResult("recv", res)
	if err != nil {
		return 0, &api.ConnError{Op: "recv", Err: err}
	}
	c.bytesReceived += int64(n)
	return n, nil
}

// Send writes all of p, resubmitting after short writes.
func (c *IO) Send(p []byte, timeout time.Duration) error {
	for len(p) > 0 {
		res, err := c.loop.SendTimeout(c.fd, p, 0, timeout).Await()
		if err != nil {
			return &api.ConnError{Op: "send", Err: err}
		}
		n, err := api.CheckResult("send", res)
		if err != nil {
			return &api.ConnError{Op: "send", Err: err}
		}
		if n == 0 {
			return &api.ConnError{Op: "send", Err: api.ErrConnectionClosed}
		}
		c.bytesSent += int64(n)
		p = p[n:]
	}
	return nil
}

// Close releases the descriptor. A second Close is a no-op.
func (c *IO) Close() error {
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	res, err := c.loop.CloseFD(fd).Await()
	if err != nil {
		return err
	}
	if _, err = api.CheckResult("close", res); errors.Is(err, unix.ECANCELED) {
		// close issued while the owning task unwinds completes on its own
		return nil
	}
	return err
}

// Counters returns the bytes received and sent so far.
func (c *IO) Counters() (received, sent int64) {
	return c.bytesReceived, c.bytesSent
}
