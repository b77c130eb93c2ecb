//go:build linux

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/momentics/hioload-http/adapters"
	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/control"
	"github.com/momentics/hioload-http/reactor"
	"github.com/momentics/hioload-http/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hioload.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
address = "::"
port = 8080
loops = 4
driver = "epoll"
read_timeout = "3s"
accept_limits = { "1s" = 20 }

[pool]
min = 2
max = 8
interval = "250ms"
`), 0o644))
	fc, err := control.LoadConfig(path)
	require.NoError(t, err)

	cfg := server.DefaultConfig()
	require.NoError(t, applyFile(cfg, fc))
	assert.Equal(t, "::", cfg.Address)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.Loops)
	assert.Equal(t, reactor.KindEpoll, cfg.Driver)
	assert.Equal(t, 3*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, map[time.Duration]int{time.Second: 20}, cfg.AcceptLimits)
	assert.Equal(t, 2, cfg.PoolMin)
	assert.Equal(t, 8, cfg.PoolMax)
	assert.Equal(t, 250*time.Millisecond, cfg.PoolInterval)
}

func TestApplyFileRejects(t *testing.T) {
	fc := &control.FileConfig{}
	fc.Server.Driver = "kqueue"
	assert.ErrorIs(t, applyFile(server.DefaultConfig(), fc), api.ErrInvalidArgument)

	fc = &control.FileConfig{}
	fc.Pool.Min, fc.Pool.Max = 4, 2
	assert.ErrorIs(t, applyFile(server.DefaultConfig(), fc), api.ErrInvalidArgument)

	fc = &control.FileConfig{}
	fc.Server.AcceptLimits = map[string]int{"soon": 1}
	assert.Error(t, applyFile(server.DefaultConfig(), fc))
}

func TestOverlayFlags(t *testing.T) {
	fc := &control.FileConfig{}
	fc.Server.Port = 1
	fc.Static.Root = "/srv"
	overlayFlags(fc, "127.0.0.1", 9000, 0, "", "", "/files", "debug", true)
	assert.Equal(t, "127.0.0.1", fc.Server.Address)
	assert.Equal(t, 9000, fc.Server.Port)
	assert.Equal(t, "/srv", fc.Static.Root)
	assert.Equal(t, "/files", fc.Static.Prefix)
	assert.Equal(t, "debug", fc.Log.Level)
	assert.True(t, fc.Log.Pretty)
}

func TestStaticSite(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello, world"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "index.html"), []byte("<p>docs</p>"), 0o644))

	ctl := adapters.NewControlAdapter()
	mux := server.NewMux()
	mux.HandleFunc("", "/files/**", staticHandler(root))
	mux.HandleFunc("GET", "/stats", statsHandler(ctl))

	cfg := server.DefaultConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	cfg.Driver = reactor.KindEpoll
	srv, err := server.New(cfg, mux, server.WithControl(ctl))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	<-srv.Ready()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	hc := &http.Client{Timeout: 5 * time.Second}
	t.Cleanup(hc.CloseIdleConnections)
	base := "http://" + srv.Addr().String()
	fetch := func(method, path string, header ...string) (*http.Response, string) {
		t.Helper()
		req, err := http.NewRequest(method, base+path, nil)
		require.NoError(t, err)
		for i := 0; i+1 < len(header); i += 2 {
			req.Header.Set(header[i], header[i+1])
		}
		res, err := hc.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		return res, string(body)
	}

	res, body := fetch("GET", "/files/hello.txt")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello, world", body)
	assert.Equal(t, "bytes", res.Header.Get("Accept-Ranges"))

	res, body = fetch("GET", "/files/hello.txt", "Range", "bytes=7-11")
	assert.Equal(t, http.StatusPartialContent, res.StatusCode)
	assert.Equal(t, "world", body)
	assert.Equal(t, "bytes 7-11/12", res.Header.Get("Content-Range"))

	res, body = fetch("HEAD", "/files/hello.txt")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int64(12), res.ContentLength)
	assert.Empty(t, body)

	res, body = fetch("GET", "/files/docs")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "<p>docs</p>", body)

	res, _ = fetch("GET", "/files/../../etc/passwd")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = fetch("GET", "/files/missing.txt")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = fetch("DELETE", "/files/hello.txt")
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	res, body = fetch("GET", "/stats")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Contains(t, stats, server.MetricRequests)
}
