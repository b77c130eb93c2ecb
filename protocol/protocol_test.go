//go:build linux

package protocol

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/core/coro"
	cp "github.com/momentics/hioload-http/core/protocol"
	"github.com/momentics/hioload-http/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (*coro.Loop, *IO, *IO) {
	t.Helper()
	l, err := coro.NewLoop(coro.WithDriverKind(reactor.KindEpoll))
	require.NoError(t, err)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return l, NewIO(l, fds[0]), NewIO(l, fds[1])
}

func testFile(t *testing.T, name string, n int) (string, []byte) {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

type exchange struct {
	prepare func(*Request)
	handle  func(*Request, *Response) error
	head    bool
}

// run performs one request/response over the pair and returns the reply
// seen by the client.
func (x exchange) run(t *testing.T) *ResponseData {
	t.Helper()
	l, srv, cli := socketPair(t)
	var srvErr, cliErr error
	var got *ResponseData

	l.Spawn(coro.NewTask(l, func() (struct{}, error) {
		req := NewRequest(srv)
		res := NewResponse(l, srv, time.Second)
		ok, err := req.ParseRequest(time.Second)
		switch {
		case err != nil:
			srvErr = err
		case !ok:
			srvErr = errors.New("client went away")
		default:
			srvErr = x.handle(req, res)
		}
		return struct{}{}, nil
	}))
	l.Spawn(coro.NewTask(l, func() (struct{}, error) {
		req := NewRequest(cli)
		x.prepare(req)
		if cliErr = req.Send(time.Second); cliErr != nil {
			return struct{}{}, nil
		}
		res := NewResponse(l, cli, time.Second)
		if x.head {
			res.ExpectNoBody()
		}
		ok, err := res.ParseResponse(time.Second)
		if err == nil && !ok {
			err = errors.New("server went away")
		}
		cliErr = err
		got = res.Data()
		return struct{}{}, nil
	}))
	require.NoError(t, l.Run())
	require.NoError(t, srvErr)
	require.NoError(t, cliErr)
	return got
}

func serveRange(path string) func(*Request, *Response) error {
	return func(req *Request, res *Response) error {
		return res.SendRangeFile(req.RangeView(), path)
	}
}

func get(target string, headers ...string) func(*Request) {
	return func(r *Request) {
		r.SetRequestLine(cp.MethodGet, target)
		for i := 0; i+1 < len(headers); i += 2 {
			r.AddHeader(headers[i], headers[i+1])
		}
	}
}

func TestRangeSingle(t *testing.T) {
	path, data := testFile(t, "blob.bin", 1000)
	got := exchange{prepare: get("/blob", "Range", "bytes=200-299"), handle: serveRange(path)}.run(t)

	assert.Equal(t, StatusPartialContent, got.Status)
	assert.Equal(t, "bytes 200-299/1000", got.Headers["content-range"])
	assert.Equal(t, "100", got.Headers["content-length"])
	assert.Equal(t, "bytes", got.Headers["accept-ranges"])
	assert.True(t, bytes.Equal(data[200:300], got.Body))
}

func TestRangeNotSatisfiable(t *testing.T) {
	path, _ := testFile(t, "blob.bin", 1000)
	got := exchange{prepare: get("/blob", "Range", "bytes=900-1099"), handle: serveRange(path)}.run(t)

	assert.Equal(t, StatusRangeNotSatisfiable, got.Status)
	assert.Equal(t, "bytes */1000", got.Headers["content-range"])
	assert.Empty(t, got.Body)
}

func TestRangeMultipart(t *testing.T) {
	path, data := testFile(t, "blob.txt", 1000)
	got := exchange{prepare: get("/blob", "Range", "bytes=0-9, 20-29"), handle: serveRange(path)}.run(t)

	require.Equal(t, StatusPartialContent, got.Status)
	assert.Equal(t, cp.MultipartContentType, got.Headers["content-type"])
	body := string(got.Body)
	assert.Contains(t, body, "Content-Range: bytes 0-9/1000\r\n")
	assert.Contains(t, body, "Content-Range: bytes 20-29/1000\r\n")
	assert.Contains(t, body, "\r\n\r\n"+string(data[20:30])+"\r\n--"+cp.Boundary+"--\r\n")
	assert.Equal(t, 2, strings.Count(body, "--"+cp.Boundary+"\r\n"))
}

func TestRangeWholeFileAndHead(t *testing.T) {
	path, data := testFile(t, "page.html", 3000)

	got := exchange{prepare: get("/page"), handle: serveRange(path)}.run(t)
	assert.Equal(t, StatusOK, got.Status)
	assert.Equal(t, "text/html; charset=utf-8", got.Headers["content-type"])
	assert.True(t, bytes.Equal(data, got.Body))

	got = exchange{
		prepare: func(r *Request) { r.SetRequestLine(cp.MethodHead, "/page") },
		handle:  serveRange(path),
		head:    true,
	}.run(t)
	assert.Equal(t, StatusOK, got.Status)
	assert.Equal(t, "3000", got.Headers["content-length"])
	assert.Empty(t, got.Body)
}

func TestChunkedFileTransfer(t *testing.T) {
	for _, n := range []int{0, 100, cp.FileChunkSize, 3*cp.FileChunkSize + 17} {
		path, data := testFile(t, "data.bin", n)
		got := exchange{
			prepare: get("/data"),
			handle:  func(_ *Request, res *Response) error { return res.SendChunkedFile(path) },
		}.run(t)
		assert.Equal(t, StatusOK, got.Status)
		assert.Equal(t, "chunked", got.Headers["transfer-encoding"])
		assert.Equal(t, "keep-alive", got.Headers["connection"])
		assert.Equal(t, ServerName, got.Headers["server"])
		assert.Len(t, got.Body, n)
		assert.True(t, bytes.Equal(data, got.Body))
	}
}

// trickle returns at most step bytes per Read, and io.EOF together with
// the final bytes when eofWithData is set.
type trickle struct {
	data        []byte
	step        int
	eofWithData bool
}

func (r *trickle) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p[:min(len(p), r.step)], r.data)
	r.data = r.data[n:]
	if r.eofWithData && len(r.data) == 0 {
		return n, io.EOF
	}
	return n, nil
}

func TestChunkedCopySurvivesShortReads(t *testing.T) {
	for _, eofWithData := range []bool{false, true} {
		_, data := testFile(t, "short.bin", 2*cp.FileChunkSize+5)
		got := exchange{
			prepare: get("/short"),
			handle: func(_ *Request, res *Response) error {
				res.SetStatus(StatusOK).AddHeader("Transfer-Encoding", "chunked")
				if err := res.sendHead(-1); err != nil {
					return err
				}
				return res.sendChunks(&trickle{data: data, step: 7, eofWithData: eofWithData})
			},
		}.run(t)
		assert.Equal(t, StatusOK, got.Status)
		assert.Len(t, got.Body, len(data))
		assert.True(t, bytes.Equal(data, got.Body))
	}
}

func TestMissingFileLeavesResponseUnsent(t *testing.T) {
	got := exchange{
		prepare: get("/nope"),
		handle: func(_ *Request, res *Response) error {
			err := res.SendChunkedFile(filepath.Join(t.TempDir(), "missing"))
			if !errors.Is(err, unix.ENOENT) || res.HeadSent() {
				return errors.New("expected ENOENT before the head was sent")
			}
			return res.SetStatusAndContent(StatusNotFound, "missing").Send()
		},
	}.run(t)
	assert.Equal(t, StatusNotFound, got.Status)
	assert.Equal(t, "missing", string(got.Body))
}

func TestRequestAccessorsAndBody(t *testing.T) {
	var seen struct {
		method, pure string
		query        map[string]string
		body         string
		keepAlive    bool
	}
	got := exchange{
		prepare: func(r *Request) {
			r.SetRequestLine(cp.MethodPost, "/api/items?id=7&name=a%20b&flag").
				AddHeader("Content-Type", ContentTypeJSON).
				TryAddHeader("content-type", "ignored").
				AddHeader("Connection", "close").
				SetBody([]byte(`{"x":1}`))
		},
		handle: func(req *Request, res *Response) error {
			seen.method = req.Method()
			seen.pure = req.PurePath()
			seen.query = req.QueryParams()
			seen.body = string(req.Body())
			seen.keepAlive = req.KeepAlive()
			ct, _ := req.Header("Content-Type")
			return res.SetStatus(StatusCreated).SetContentType(ct).SetBody(req.Body()).Send()
		},
	}.run(t)

	assert.Equal(t, cp.MethodPost, seen.method)
	assert.Equal(t, "/api/items", seen.pure)
	assert.Equal(t, map[string]string{"id": "7", "name": "a b", "flag": ""}, seen.query)
	assert.Equal(t, `{"x":1}`, seen.body)
	assert.False(t, seen.keepAlive)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, ContentTypeJSON, got.Headers["content-type"])
	assert.Equal(t, `{"x":1}`, string(got.Body))
}

func TestPathParamsAndWildcard(t *testing.T) {
	r := NewRequest(nil)
	_, err := r.PathParam(0)
	require.ErrorIs(t, err, api.ErrNotFound)
	_, err = r.Wildcard()
	require.ErrorIs(t, err, api.ErrNotFound)

	r.SetPathParams([]string{"42"}, "a/b.txt")
	v, err := r.PathParam(0)
	require.NoError(t, err)
	assert.Equal(t, "42", v)
	w, err := r.Wildcard()
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", w)

	r.Reset()
	assert.Empty(t, r.PathParams())
}

func TestRecvTimeoutIsConnectionError(t *testing.T) {
	l, srv, _ := socketPair(t)
	var parseErr error
	l.Spawn(coro.NewTask(l, func() (struct{}, error) {
		_, parseErr = NewRequest(srv).ParseRequest(10 * time.Millisecond)
		return struct{}{}, nil
	}))
	require.NoError(t, l.Run())
	require.ErrorIs(t, parseErr, api.ErrOperationTimeout)
	assert.True(t, api.IsConnError(parseErr))
	assert.NotErrorIs(t, parseErr, api.ErrProtocol)
}

func TestPeerCloseBeforeRequest(t *testing.T) {
	l, srv, cli := socketPair(t)
	var ok bool
	var parseErr error
	l.Spawn(coro.NewTask(l, func() (struct{}, error) {
		ok, parseErr = NewRequest(srv).ParseRequest(time.Second)
		return struct{}{}, nil
	}))
	l.Spawn(coro.NewTask(l, func() (struct{}, error) {
		return struct{}{}, cli.Close()
	}))
	require.NoError(t, l.Run())
	require.NoError(t, parseErr)
	assert.False(t, ok)
}

func TestContentTypeByPath(t *testing.T) {
	assert.Equal(t, ContentTypeHTML, ContentTypeByPath("/x/index.HTML"))
	assert.Equal(t, "video/mp4", ContentTypeByPath("movie.mp4"))
	assert.Equal(t, ContentTypeBinary, ContentTypeByPath("Makefile"))
	assert.Equal(t, ContentTypeBinary, ContentTypeByPath("blob.zzzunknown"))
	assert.Equal(t, "Not Found", StatusText(404))
	assert.Equal(t, "Unknown", StatusText(799))
}
