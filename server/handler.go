// File: server/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request handlers and the middleware chain around them.

package server

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/protocol"
	"github.com/rs/zerolog"
)

// Handler serves one request. It runs as part of the connection task, so it
// may suspend on the loop (file I/O, Offload, Sleep) but must not block the
// goroutine. Returning an error before the head is sent produces a 500; after
// that it only closes the connection.
type Handler func(req *protocol.Request, res *protocol.Response) error

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain applies mw so that the first one is outermost.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// LoggingMiddleware logs every request at debug level and failures at
// warn level.
func LoggingMiddleware(log zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(req *protocol.Request, res *protocol.Response) error {
			start := time.Now()
			err := next(req, res)
			ev := log.Debug()
			if err != nil {
				ev = log.Warn().Err(err)
			}
			ev.Str("method", req.Method()).
				Str("path", req.Path()).
				Int("status", res.Status()).
				Dur("took", time.Since(start)).
				Msg("request")
			return err
		}
	}
}

// RecoveryMiddleware turns a handler panic into an *api.PanicError.
func RecoveryMiddleware(next Handler) Handler {
	return func(req *protocol.Request, res *protocol.Response) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = api.NewPanicError(r)
			}
		}()
		return next(req, res)
	}
}

// MetricsMiddleware counts replies per status class, e.g. "http.status.2xx".
func MetricsMiddleware(sink api.MetricsSink) Middleware {
	return func(next Handler) Handler {
		return func(req *protocol.Request, res *protocol.Response) error {
			err := next(req, res)
			code := res.Status()
			if err != nil && !res.HeadSent() {
				code = protocol.StatusInternalServerError
			}
			sink.Add(fmt.Sprintf("http.status.%dxx", code/100), 1)
			return err
		}
	}
}

// NotFound replies 404.
func NotFound(_ *protocol.Request, res *protocol.Response) error {
	return res.SetStatusAndContent(protocol.StatusNotFound, notFoundPage).Send()
}

const notFoundPage = "<html><body><h1>404 Not Found</h1></body></html>"
