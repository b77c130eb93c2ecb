// File: server/server.go
// Package server runs the HTTP/1.1 server: one event loop per goroutine,
// each with its own SO_REUSEPORT listener, sharing a worker pool for
// offloaded work.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"github.com/joeycumines/go-catrate"
	"github.com/momentics/hioload-http/adapters"
	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/core/concurrency"
	"github.com/momentics/hioload-http/core/coro"
	"github.com/momentics/hioload-http/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyRunning = errors.New("server already running")

// Counter keys reported by the server.
const (
	MetricAccepted = "server.accepted"
	MetricRejected = "server.rejected"
	MetricClosed   = "server.closed"
	MetricRequests = "server.requests"
	MetricErrors   = "server.errors"
	MetricTimeouts = "server.timeouts"
)

// Server is the HTTP server facade.
type Server struct {
	cfg        *Config
	router     Router
	middleware []Middleware
	dispatch   Handler
	log        zerolog.Logger
	security   api.SecurityProvider
	control    *adapters.ControlAdapter
	limiter    *catrate.Limiter

	extExec api.Executor
	pool    *concurrency.Pool
	exec    api.Executor

	running   atomic.Bool
	stopping  atomic.Bool
	acceptors atomic.Int32
	listening atomic.Int32

	mu    sync.Mutex
	addr  netip.AddrPort
	bound chan struct{}
	ready chan struct{}
}

// New builds a server routing requests through router. A nil cfg means
// DefaultConfig.
func New(cfg *Config, router Router, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if router == nil {
		return nil, fmt.Errorf("nil router: %w", api.ErrInvalidArgument)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		router:   router,
		log:      zerolog.Nop(),
		security: api.PlainSecurity{},
		bound:    make(chan struct{}),
		ready:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "server").Logger()
	s.dispatch = RecoveryMiddleware(Chain(s.route, s.middleware...))
	if s.control == nil {
		s.control = adapters.NewControlAdapter()
	}
	limiter, err := newLimiter(cfg.AcceptLimits)
	if err != nil {
		return nil, err
	}
	s.limiter = limiter
	s.control.RegisterDebugProbe("server.acceptors", func() any { return s.acceptors.Load() })
	return s, nil
}

// route looks the handler up and records the captured path values.
func (s *Server) route(req *protocol.Request, res *protocol.Response) error {
	h, p := s.router.Route(req.Method(), req.PurePath())
	if h == nil {
		h = NotFound
	}
	req.SetPathParams(p.Values, p.Wildcard)
	return h(req, res)
}

// newLimiter returns nil, which admits everything, for empty limits.
func newLimiter(limits map[time.Duration]int) (l *catrate.Limiter, err error) {
	if len(limits) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("accept limits %v: %w", limits, api.ErrInvalidArgument)
		}
	}()
	return catrate.NewLimiter(limits), nil
}

// Run serves until Stop is called or ctx is done, then waits for every loop
// to drain. An error from any loop stops the others and is returned.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := s.startExecutor(); err != nil {
		return err
	}
	defer s.stopExecutor()

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			if err := s.Stop(); err != nil {
				s.log.Warn().Err(err).Msg("stop")
			}
		case <-done:
		}
	}()
	defer close(done)

	for i := range s.cfg.Loops {
		g.Go(func() error { return s.runLoop(gctx, i) })
	}
	err := g.Wait()
	s.log.Info().Err(err).Msg("server stopped")
	return err
}

func (s *Server) startExecutor() error {
	if s.extExec != nil {
		s.exec = adapters.NewExecutorAdapter(s.extExec, s.control)
		return nil
	}
	s.pool = concurrency.NewPool(
		concurrency.WithMinWorkers(s.cfg.PoolMin),
		concurrency.WithMaxWorkers(s.cfg.PoolMax),
		concurrency.WithLogger(s.log),
	)
	if err := s.pool.RunElastic(concurrency.DefaultStrategy, s.cfg.PoolInterval); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	s.exec = adapters.NewExecutorAdapter(s.pool, s.control)
	s.control.RegisterDebugProbe("pool", func() any { return s.pool.Stats() })
	return nil
}

func (s *Server) stopExecutor() {
	if s.pool == nil {
		return
	}
	if err := s.pool.Shutdown(); err != nil {
		s.log.Warn().Err(err).Msg("worker pool shutdown")
	}
}

// runLoop owns one event loop for its whole life. Loop 0 binds first so an
// ephemeral port is known before the others share it.
func (s *Server) runLoop(ctx context.Context, idx int) error {
	if idx > 0 {
		select {
		case <-s.bound:
		case <-ctx.Done():
			return nil
		}
	}
	l, err := coro.NewLoop(
		coro.WithDriverKind(s.cfg.Driver),
		coro.WithEntries(s.cfg.Entries),
		coro.WithLogger(s.log.With().Int("loop", idx).Logger()),
	)
	if err != nil {
		return err
	}
	a := newAcceptor(s, l, idx)
	l.Spawn(coro.NewTask(l, a.run))
	err = l.Run()
	return errors.Join(err, l.Close())
}

// listened records a bound acceptor.
func (s *Server) listened(idx int, addr netip.AddrPort) {
	if idx == 0 {
		s.mu.Lock()
		s.addr = addr
		s.mu.Unlock()
		close(s.bound)
	}
	s.acceptors.Add(1)
	if int(s.listening.Add(1)) == s.cfg.Loops {
		close(s.ready)
	}
	s.log.Info().Int("loop", idx).Str("addr", addr.String()).Msg("listening")
}

// Ready is closed once every loop listens.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address. The port is resolved once Ready is
// closed.
func (s *Server) Addr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Control exposes the counters, config and debug probes.
func (s *Server) Control() *adapters.ControlAdapter { return s.control }

// Executor returns the pool handlers offload to. It is nil before Run.
func (s *Server) Executor() api.Executor { return s.exec }

// Stopping reports whether Stop was called.
func (s *Server) Stopping() bool { return s.stopping.Load() }

// Stop asks every loop to finish. Acceptors are parked in accept, so Stop
// connects to the listening port until each of them noticed, backing off
// between attempts. Connections finish the request in progress; idle ones
// are dropped.
func (s *Server) Stop() error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info().Msg("stopping")
	deadline := time.Now().Add(s.cfg.StopTimeout)
	var bo iox.Backoff
	for s.acceptors.Load() > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("stop: %d acceptors still running: %w", s.acceptors.Load(), api.ErrOperationTimeout)
		}
		if conn, err := net.DialTimeout("tcp", s.pokeAddr(), 100*time.Millisecond); err == nil {
			conn.Close()
		}
		bo.Wait()
	}
	return nil
}

// pokeAddr maps a wildcard bind address to loopback.
func (s *Server) pokeAddr() string {
	ap := s.Addr()
	addr := ap.Addr()
	if addr.IsUnspecified() {
		if addr.Is4() {
			addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
		} else {
			addr = netip.IPv6Loopback()
		}
	}
	return net.JoinHostPort(addr.String(), strconv.Itoa(int(ap.Port())))
}
