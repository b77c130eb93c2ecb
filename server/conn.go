// File: server/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection task: parse, route, respond, repeat while the client keeps the
// connection alive and the server is not stopping. Every failure is logged
// and ends the connection; none of them reaches the loop.

package server

import (
	"errors"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/core/coro"
	cp "github.com/momentics/hioload-http/core/protocol"
	"github.com/momentics/hioload-http/protocol"
	"github.com/rs/zerolog"
)

const (
	badRequestPage     = "<html><body><h1>400 Bad Request</h1></body></html>"
	headerTooLargePage = "<html><body><h1>431 Request Header Fields Too Large</h1></body></html>"
	internalErrorPage  = "<html><body><h1>500 Internal Server Error</h1></body></html>"
)

type conn struct {
	acc  *acceptor
	srv  *Server
	loop *coro.Loop
	log  zerolog.Logger
	task *coro.Task[struct{}]

	io     *protocol.IO
	stream api.Stream
	req    *protocol.Request
	res    *protocol.Response

	// waiting is set while the task is parked in ParseRequest.
	waiting bool
}

func newConn(a *acceptor, fd int) *conn {
	return &conn{
		acc:  a,
		srv:  a.srv,
		loop: a.loop,
		log:  a.log.With().Int("fd", fd).Logger(),
		io:   protocol.NewIO(a.loop, fd),
	}
}

// idle reports whether the connection waits for the first byte of a
// request.
func (c *conn) idle() bool {
	return c.waiting && (c.req == nil || !c.req.Started())
}

func (c *conn) serve() (struct{}, error) {
	defer c.close()
	s := c.srv

	stream, err := s.security.Wrap(c.io)
	if err != nil {
		c.log.Warn().Err(err).Msg("security handshake")
		s.control.Add(MetricErrors, 1)
		return struct{}{}, nil
	}
	c.stream = stream
	c.req = protocol.NewRequest(stream)
	c.res = protocol.NewResponse(c.loop, stream, s.cfg.WriteTimeout)

	for {
		c.waiting = true
		ok, err := c.req.ParseRequest(s.cfg.ReadTimeout)
		c.waiting = false
		if err != nil {
			c.fail(err)
			return struct{}{}, nil
		}
		if !ok {
			return struct{}{}, nil
		}
		s.control.Add(MetricRequests, 1)

		keepAlive := c.req.KeepAlive() && !s.stopping.Load()
		if !keepAlive {
			c.res.AddHeader("Connection", "close")
		}
		if c.req.Method() == cp.MethodHead {
			c.res.HeadOnly()
		}
		if err := c.handle(keepAlive); err != nil {
			c.fail(err)
			return struct{}{}, nil
		}
		if !keepAlive || c.res.Closing() || s.stopping.Load() {
			return struct{}{}, nil
		}
		c.req.Reset()
		c.res.Reset()
	}
}

// handle runs the handler chain. A handler failure before the head went
// out becomes a 500 and the connection stays usable.
func (c *conn) handle(keepAlive bool) error {
	err := c.srv.dispatch(c.req, c.res)
	if err == nil {
		if !c.res.HeadSent() {
			return c.res.Send()
		}
		return nil
	}
	if c.res.HeadSent() || api.IsConnError(err) {
		return err
	}
	c.srv.control.Add(MetricErrors, 1)
	ev := c.log.Error().Err(err)
	var pe *api.PanicError
	if errors.As(err, &pe) {
		ev = ev.Bytes("stack", pe.Stack)
	}
	ev.Str("method", c.req.Method()).Str("path", c.req.Path()).Msg("handler failed")

	c.res.Reset()
	if !keepAlive {
		c.res.AddHeader("Connection", "close")
	}
	if c.req.Method() == cp.MethodHead {
		c.res.HeadOnly()
	}
	return c.res.SetStatusAndContent(protocol.StatusInternalServerError, internalErrorPage).Send()
}

// fail classifies the error that ends the connection. A malformed request
// still gets a reply when nothing was sent yet.
func (c *conn) fail(err error) {
	s := c.srv
	switch {
	case errors.Is(err, api.ErrOperationTimeout):
		s.control.Add(MetricTimeouts, 1)
		c.log.Debug().Err(err).Msg("connection timed out")
	case errors.Is(err, api.ErrProtocol):
		s.control.Add(MetricErrors, 1)
		c.log.Debug().Err(err).Msg("malformed request")
		c.reject(err)
	case api.IsConnError(err):
		c.log.Debug().Err(err).Msg("connection lost")
	default:
		s.control.Add(MetricErrors, 1)
		c.log.Warn().Err(err).Msg("connection failed")
	}
}

func (c *conn) reject(err error) {
	if c.res == nil || c.res.HeadSent() {
		return
	}
	code, page := protocol.StatusBadRequest, badRequestPage
	if errors.Is(err, api.ErrBufferOverflow) {
		code, page = protocol.StatusHeaderTooLarge, headerTooLargePage
	}
	c.res.Reset()
	c.res.AddHeader("Connection", "close")
	if err := c.res.SetStatusAndContent(code, page).Send(); err != nil {
		c.log.Debug().Err(err).Msg("reject")
	}
}

func (c *conn) close() {
	c.acc.forget(c)
	var err error
	if c.stream != nil {
		err = c.stream.Close()
	}
	err = errors.Join(err, c.io.Close())
	if err != nil {
		c.log.Debug().Err(err).Msg("close")
	}
	c.srv.control.Add(MetricClosed, 1)
}
