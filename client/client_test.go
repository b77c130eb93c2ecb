//go:build linux

package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/protocol"
	"github.com/momentics/hioload-http/reactor"
	"github.com/momentics/hioload-http/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	m := server.NewMux()
	m.HandleFunc("GET", "/hello", func(req *protocol.Request, res *protocol.Response) error {
		ua, _ := req.Header("User-Agent")
		return res.AddHeader("X-Agent", ua).SetBodyString("hello").Send()
	})
	m.HandleFunc("POST", "/echo", func(req *protocol.Request, res *protocol.Response) error {
		ct, _ := req.Header("Content-Type")
		return res.SetContentType(ct).SetBody(req.Body()).Send()
	})
	m.HandleFunc("GET", "/bye", func(_ *protocol.Request, res *protocol.Response) error {
		return res.AddHeader("Connection", "close").SetBodyString("bye").Send()
	})
	m.HandleFunc("GET", "/headers/{name}", func(req *protocol.Request, res *protocol.Response) error {
		name, _ := req.PathParam(0)
		v, _ := req.Header(name)
		return res.SetBodyString(v).Send()
	})

	cfg := server.DefaultConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	cfg.Driver = reactor.KindEpoll
	cfg.PoolMax = 1
	srv, err := server.New(cfg, m)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}
	t.Cleanup(func() {
		require.NoError(t, srv.Stop())
		require.NoError(t, <-done)
	})
	return srv, "http://" + srv.Addr().String()
}

func newClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithDriver(reactor.KindEpoll), WithTimeout(2 * time.Second)}, opts...)
	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close()) })
	return c
}

func TestDoReusesConnection(t *testing.T) {
	srv, base := startServer(t)
	c := newClient(t, WithUserAgent("tester/2"))

	for range 3 {
		res, err := c.Do("GET", base+"/hello", nil, nil, "")
		require.NoError(t, err)
		assert.Equal(t, 200, res.Status)
		assert.Equal(t, "hello", string(res.Body))
		assert.Equal(t, "tester/2", res.Headers["x-agent"])
	}
	res, err := c.Do("GET", "/hello", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Body))
	assert.Equal(t, int64(1), srv.Control().Counter(server.MetricAccepted))
}

func TestDefaultAndCustomHeaders(t *testing.T) {
	_, base := startServer(t)
	c := newClient(t)

	for name, want := range map[string]string{
		"accept":     "*/*",
		"connection": "keep-alive",
		"user-agent": DefaultConfig().UserAgent,
	} {
		res, err := c.Do("GET", base+"/headers/"+name, nil, nil, "")
		require.NoError(t, err)
		assert.Equal(t, want, string(res.Body), name)
	}

	res, err := c.Do("GET", base+"/headers/host", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, base[len("http://"):], string(res.Body))

	res, err = c.Do("GET", base+"/headers/accept", map[string]string{"Accept": "text/html"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "text/html", string(res.Body))

	res, err = c.Do("GET", base+"/headers/date", nil, nil, "")
	require.NoError(t, err)
	_, err = time.Parse(httpDate, string(res.Body))
	assert.NoError(t, err)
}

func TestGetAndPostFutures(t *testing.T) {
	_, base := startServer(t)
	c := newClient(t)

	get := c.Get(base+"/hello", nil)
	post := c.Post(base+"/echo", nil, []byte(`{"a":1}`), protocol.ContentTypeJSON)

	res, err := get.Get()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Body))

	res, err = post.Get()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(res.Body))
	assert.Equal(t, protocol.ContentTypeJSON, res.Headers["content-type"])
}

func TestServerCloseForcesReconnect(t *testing.T) {
	srv, base := startServer(t)
	c := newClient(t)

	res, err := c.Do("GET", base+"/bye", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "bye", string(res.Body))
	res, err = c.Do("GET", base+"/hello", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Body))
	assert.Equal(t, int64(2), srv.Control().Counter(server.MetricAccepted))
}

func TestHeadHasNoBody(t *testing.T) {
	_, base := startServer(t)
	c := newClient(t)

	res, err := c.Do("HEAD", base+"/hello", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 405, res.Status)
	assert.Empty(t, res.Body)

	// the connection is still in sync
	res, err = c.Do("GET", base+"/hello", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Body))
}

func TestBadTargets(t *testing.T) {
	c := newClient(t)

	_, err := c.Do("GET", "https://127.0.0.1/", nil, nil, "")
	assert.ErrorIs(t, err, api.ErrNotSupported)
	_, err = c.Do("GET", "ftp://127.0.0.1/", nil, nil, "")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = c.Do("GET", "/relative", nil, nil, "")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = c.Do("GET", "http://127.0.0.1:99999/", nil, nil, "")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestConnectRefused(t *testing.T) {
	_, base := startServer(t)
	c := newClient(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = c.Do("GET", "http://"+closed+"/", nil, nil, "")
	assert.ErrorIs(t, err, unix.ECONNREFUSED)

	// the client recovers for the next target
	res, err := c.Do("GET", base+"/hello", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Body))
}

func TestClosedClient(t *testing.T) {
	c, err := New(WithDriver(reactor.KindEpoll))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Do("GET", "http://127.0.0.1/", nil, nil, "")
	assert.ErrorIs(t, err, api.ErrLoopClosed)

	_, err = New(WithWorkers(0))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
