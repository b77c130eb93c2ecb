// File: server/options.go
// Package server defines functional options for the Server facade.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/hioload-http/adapters"
	"github.com/momentics/hioload-http/api"
	"github.com/rs/zerolog"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithMiddleware attaches middleware in FIFO order.
func WithMiddleware(mw ...Middleware) ServerOption {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithLogger sets the server logger. Loops and the pool derive theirs
// from it.
func WithLogger(log zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithSecurity wraps every accepted stream, e.g. for TLS.
func WithSecurity(p api.SecurityProvider) ServerOption {
	return func(s *Server) {
		s.security = p
	}
}

// WithControl shares a control adapter, so several components report into
// the same counters.
func WithControl(c *adapters.ControlAdapter) ServerOption {
	return func(s *Server) {
		s.control = c
	}
}

// WithExecutor replaces the built-in offload pool. The server does not
// shut a supplied executor down.
func WithExecutor(exec api.Executor) ServerOption {
	return func(s *Server) {
		s.extExec = exec
	}
}
