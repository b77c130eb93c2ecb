package server

import (
	"testing"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tagged returns a handler whose identity can be checked through the
// status it sets.
func tagged(code int) Handler {
	return func(_ *protocol.Request, res *protocol.Response) error {
		res.SetStatus(code)
		return nil
	}
}

// discard is a stream that swallows replies.
type discard struct{ sent int }

func (d *discard) Recv([]byte, time.Duration) (int, error) { return 0, nil }
func (d *discard) Send(p []byte, _ time.Duration) error { d.sent += len(p); return nil }
func (d *discard) Close() error { return nil }

func statusOf(t *testing.T, h Handler) int {
	t.Helper()
	require.NotNil(t, h)
	res := protocol.NewResponse(nil, &discard{}, 0)
	require.NoError(t, h(nil, res))
	return res.Status()
}

func TestMuxRoutes(t *testing.T) {
	m := NewMux()
	m.HandleFunc("GET", "/", tagged(201))
	m.HandleFunc("GET", "/users/{id}", tagged(202))
	m.HandleFunc("GET", "/users/{id}/posts/{post}", tagged(203))
	m.HandleFunc("", "/static/**", tagged(204))
	m.HandleFunc("GET", "/users/me", tagged(205))

	tests := []struct {
		method, path string
		status       int
		params       Params
	}{
		{"GET", "/", 201, Params{}},
		{"GET", "/users/42", 202, Params{Values: []string{"42"}}},
		{"GET", "/users/me", 205, Params{}},
		{"GET", "/users/7/posts/99", 203, Params{Values: []string{"7", "99"}}},
		{"GET", "/static/css/site.css", 204, Params{Wildcard: "css/site.css"}},
		{"POST", "/static/a", 204, Params{Wildcard: "a"}},
		{"GET", "/static", 204, Params{}},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			h, p := m.Route(tc.method, tc.path)
			assert.Equal(t, tc.status, statusOf(t, h))
			assert.Equal(t, tc.params, p)
		})
	}
}

func TestMuxMisses(t *testing.T) {
	m := NewMux()
	m.HandleFunc("GET", "/users/{id}", tagged(202))
	m.HandleFunc("GET", "/exact", tagged(203))

	h, _ := m.Route("GET", "/users")
	assert.Equal(t, protocol.StatusNotFound, statusOf(t, h))
	h, _ = m.Route("GET", "/users/")
	assert.Equal(t, protocol.StatusNotFound, statusOf(t, h))
	h, _ = m.Route("GET", "/users/1/2")
	assert.Equal(t, protocol.StatusNotFound, statusOf(t, h))

	h, _ = m.Route("DELETE", "/users/1")
	assert.Equal(t, protocol.StatusMethodNotAllowed, statusOf(t, h))
	h, _ = m.Route("POST", "/exact")
	assert.Equal(t, protocol.StatusMethodNotAllowed, statusOf(t, h))

	m.SetNotFound(tagged(410))
	h, _ = m.Route("GET", "/nowhere")
	assert.Equal(t, 410, statusOf(t, h))
}

func TestMuxRejectsBadPatterns(t *testing.T) {
	m := NewMux()
	for _, pattern := range []string{"relative", "/a/**/b", "/a/{}"} {
		err := m.Handle("GET", pattern, tagged(200))
		assert.ErrorIs(t, err, api.ErrInvalidArgument, pattern)
	}
	assert.ErrorIs(t, m.Handle("GET", "/ok", nil), api.ErrInvalidArgument)
	assert.Panics(t, func() { m.HandleFunc("GET", "bad", tagged(200)) })
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(req *protocol.Request, res *protocol.Response) error {
				order = append(order, name)
				return next(req, res)
			}
		}
	}
	h := Chain(tagged(200), mw("outer"), mw("inner"))
	assert.Equal(t, 200, statusOf(t, h))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(func(*protocol.Request, *protocol.Response) error {
		panic("boom")
	})
	err := h(nil, nil)
	var pe *api.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "not-an-ip"
	_, err := New(cfg, NewMux())
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	cfg = DefaultConfig()
	cfg.Loops = 0
	_, err = New(cfg, NewMux())
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = New(nil, nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	cfg = DefaultConfig()
	cfg.AcceptLimits = map[time.Duration]int{time.Second: -1}
	_, err = New(cfg, NewMux())
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
