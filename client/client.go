// File: client/client.go
// Package client is an HTTP/1.1 client running on its own event loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Client keeps one connection and reuses it while the server allows.
// Do runs a request on the calling goroutine; Get and Post run it on the
// client's worker pool and return a future. Requests are serialized.

package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/core/concurrency"
	"github.com/momentics/hioload-http/core/coro"
	cp "github.com/momentics/hioload-http/core/protocol"
	"github.com/momentics/hioload-http/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// httpDate is the IMF-fixdate layout of the Date header.
const httpDate = "Mon, 02 Jan 2006 15:04:05 GMT"

// Client is safe for concurrent use.
type Client struct {
	cfg  Config
	log  zerolog.Logger
	loop *coro.Loop
	pool *concurrency.Pool

	mu     sync.Mutex
	io     *protocol.IO
	peer   netip.AddrPort
	host   string
	closed bool
}

// New creates a client with its loop and worker pool.
func New(opts ...Option) (*Client, error) {
	c := &Client{cfg: DefaultConfig(), log: zerolog.Nop()}
	for _, o := range opts {
		o(c)
	}
	if c.cfg.Workers <= 0 {
		return nil, fmt.Errorf("client workers %d: %w", c.cfg.Workers, api.ErrInvalidArgument)
	}
	c.log = c.log.With().Str("component", "client").Logger()
	l, err := coro.NewLoop(
		coro.WithDriverKind(c.cfg.Driver),
		coro.WithEntries(c.cfg.Entries),
		coro.WithLogger(c.log),
	)
	if err != nil {
		return nil, err
	}
	c.loop = l
	c.pool = concurrency.NewPool(
		concurrency.WithMinWorkers(c.cfg.Workers),
		concurrency.WithMaxWorkers(c.cfg.Workers),
		concurrency.WithLogger(c.log),
	)
	if err := c.pool.RunFixed(c.cfg.Workers); err != nil {
		l.Close()
		return nil, err
	}
	return c, nil
}

// Get sends a GET on the worker pool.
func (c *Client) Get(rawURL string, headers map[string]string) *concurrency.Future[*protocol.ResponseData] {
	return concurrency.Go(c.pool, func() (*protocol.ResponseData, error) {
		return c.Do(cp.MethodGet, rawURL, headers, nil, "")
	})
}

// Post sends a POST on the worker pool.
func (c *Client) Post(rawURL string, headers map[string]string, body []byte, contentType string) *concurrency.Future[*protocol.ResponseData] {
	return concurrency.Go(c.pool, func() (*protocol.ResponseData, error) {
		return c.Do(cp.MethodPost, rawURL, headers, body, contentType)
	})
}

// Do sends one request and waits for the reply. rawURL is an absolute
// http URL, or a bare path reusing the current connection's host.
func (c *Client) Do(method, rawURL string, headers map[string]string, body []byte, contentType string) (*protocol.ResponseData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, api.ErrLoopClosed
	}
	t, err := c.target(rawURL)
	if err != nil {
		return nil, err
	}

	var data *protocol.ResponseData
	var reqErr error
	_, err = coro.Run(c.loop, func() (struct{}, error) {
		data, reqErr = c.roundTrip(method, t, headers, body, contentType)
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return data, reqErr
}

// Close drops the connection and releases the loop and the pool.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if c.io != nil {
		_, err := coro.Run(c.loop, func() (struct{}, error) {
			return struct{}{}, c.disconnect()
		})
		errs = append(errs, err)
	}
	errs = append(errs, c.pool.Shutdown(), c.loop.Close())
	return errors.Join(errs...)
}

type target struct {
	peer netip.AddrPort
	host string // Host header value
	uri  string // request target
}

// target resolves rawURL outside the loop, so name lookups never stall
// it.
func (c *Client) target(rawURL string) (target, error) {
	if strings.HasPrefix(rawURL, "/") {
		if c.io == nil {
			return target{}, fmt.Errorf("path %q without a connection: %w", rawURL, api.ErrInvalidArgument)
		}
		return target{peer: c.peer, host: c.host, uri: rawURL}, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return target{}, fmt.Errorf("url %q: %w", rawURL, api.ErrInvalidArgument)
	}
	switch u.Scheme {
	case "http":
	case "https":
		return target{}, fmt.Errorf("scheme %q: %w", u.Scheme, api.ErrNotSupported)
	default:
		return target{}, fmt.Errorf("url %q: %w", rawURL, api.ErrInvalidArgument)
	}
	port := uint64(80)
	if p := u.Port(); p != "" {
		if port, err = strconv.ParseUint(p, 10, 16); err != nil {
			return target{}, fmt.Errorf("port %q: %w", p, api.ErrInvalidArgument)
		}
	}
	addr, err := c.resolve(u.Hostname())
	if err != nil {
		return target{}, err
	}
	return target{
		peer: netip.AddrPortFrom(addr, uint16(port)),
		host: u.Host,
		uri:  u.RequestURI(),
	}, nil
}

func (c *Client) resolve(host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	if c.io != nil && host == hostOnly(c.host) {
		return c.peer.Addr(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %q: %w", host, err)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %q: %w", host, api.ErrNotFound)
	}
	return addrs[0], nil
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// roundTrip runs on the loop. A request failing on a reused connection
// before any reply byte arrived is retried once on a fresh one.
func (c *Client) roundTrip(method string, t target, headers map[string]string, body []byte, contentType string) (*protocol.ResponseData, error) {
	if c.io != nil && c.peer != t.peer {
		if err := c.disconnect(); err != nil {
			c.log.Debug().Err(err).Msg("close previous connection")
		}
	}
	for attempt := 0; ; attempt++ {
		reused := c.io != nil
		if !reused {
			if err := c.connect(t.peer); err != nil {
				return nil, err
			}
			c.host = t.host
		}
		data, retryable, err := c.exchange(method, t, headers, body, contentType)
		if err == nil {
			return data, nil
		}
		if derr := c.disconnect(); derr != nil {
			c.log.Debug().Err(derr).Msg("close after failure")
		}
		if !reused || !retryable || attempt > 0 || !api.IsConnError(err) {
			return nil, err
		}
		c.log.Debug().Err(err).Msg("stale connection, retrying")
	}
}

// exchange reports whether a failed request may be replayed: nothing of
// the reply arrived and the server was not merely slow.
func (c *Client) exchange(method string, t target, headers map[string]string, body []byte, contentType string) (*protocol.ResponseData, bool, error) {
	req := protocol.NewRequest(c.io)
	req.SetRequestLine(method, t.uri)
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		req.AddHeader(k, headers[k])
	}
	req.TryAddHeader("Host", t.host).
		TryAddHeader("Accept", "*/*").
		TryAddHeader("Connection", "keep-alive").
		TryAddHeader("User-Agent", c.cfg.UserAgent)
	if contentType != "" {
		req.TryAddHeader("Content-Type", contentType)
	}
	req.TryAddHeader("Date", time.Now().UTC().Format(httpDate))
	req.SetBody(body)
	if err := req.Send(c.cfg.Timeout); err != nil {
		return nil, true, err
	}

	res := protocol.NewResponse(c.loop, c.io, c.cfg.Timeout)
	if method == cp.MethodHead {
		res.ExpectNoBody()
	}
	ok, err := res.ParseResponse(c.cfg.Timeout)
	if err != nil {
		return nil, !res.Started() && !errors.Is(err, api.ErrOperationTimeout), err
	}
	if !ok {
		return nil, true, &api.ConnError{Op: "recv", Err: api.ErrConnectionClosed}
	}
	data := res.Data()
	if v, ok := data.Headers[cp.HeaderConnection]; ok && strings.EqualFold(v, "close") {
		if err := c.disconnect(); err != nil {
			c.log.Debug().Err(err).Msg("close on server request")
		}
	}
	return data, true, nil
}

func (c *Client) connect(peer netip.AddrPort) error {
	domain := unix.AF_INET6
	if peer.Addr().Is4() {
		domain = unix.AF_INET
	}
	res, err := c.loop.Socket(domain, unix.SOCK_STREAM, 0).Await()
	if err == nil {
		res, err = api.CheckResult("socket", res)
	}
	if err != nil {
		return err
	}
	conn := protocol.NewIO(c.loop, res)
	res, err = c.loop.ConnectTimeout(conn.Fd(), peer, c.cfg.Timeout).Await()
	if err == nil {
		_, err = api.CheckResult("connect", res)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("connect %v: %w", peer, err)
	}
	c.io = conn
	c.peer = peer
	c.log.Debug().Str("peer", peer.String()).Msg("connected")
	return nil
}

func (c *Client) disconnect() error {
	if c.io == nil {
		return nil
	}
	conn := c.io
	c.io = nil
	return conn.Close()
}
