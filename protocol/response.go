// File: protocol/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Response builds and sends server replies, streams files, and parses
// replies on the client side.

package protocol

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/core/coro"
	cp "github.com/momentics/hioload-http/core/protocol"
	"github.com/momentics/hioload-http/pool"
)

// ServerName is sent in the Server header of every reply.
const ServerName = "hioload-http"

// ResponseData is a parsed reply detached from its connection.
type ResponseData struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Response is owned by the task handling one connection.
type Response struct {
	loop    *coro.Loop
	stream  api.Stream
	timeout time.Duration

	code     int
	reason   string
	headers  []cp.Header
	body     []byte
	sendBuf  []byte
	headSent bool
	headOnly bool

	parser *cp.Parser
}

// NewResponse binds a response to s. timeout bounds every send.
func NewResponse(l *coro.Loop, s api.Stream, timeout time.Duration) *Response {
	return &Response{
		loop:    l,
		stream:  s,
		timeout: timeout,
		sendBuf: make([]byte, 0, cp.BufMaxSize),
	}
}

// SetStatus sets the status line with the standard reason phrase.
func (w *Response) SetStatus(code int) *Response {
	return w.SetStatusReason(code, StatusText(code))
}

// SetStatusReason sets the status line with a custom reason phrase.
func (w *Response) SetStatusReason(code int, reason string) *Response {
	w.code = code
	w.reason = reason
	return w
}

// AddHeader sets a header, replacing one with the same name.
func (w *Response) AddHeader(key, value string) *Response {
	w.headers = setHeader(w.headers, key, value)
	return w
}

// SetContentType sets the Content-Type header.
func (w *Response) SetContentType(contentType string) *Response {
	return w.AddHeader("Content-Type", contentType)
}

// SetBody sets the body sent by Send.
func (w *Response) SetBody(body []byte) *Response {
	w.body = body
	return w
}

// SetBodyString is SetBody for text.
func (w *Response) SetBodyString(body string) *Response {
	w.body = []byte(body)
	return w
}

// SetStatusAndContent sets a status and an HTML body.
func (w *Response) SetStatusAndContent(code int, content string) *Response {
	return w.SetStatus(code).SetContentType(ContentTypeHTML).SetBodyString(content)
}

// HeadOnly makes every send stop after the head, as a reply to HEAD
// requires. Content-Length still describes the body that was left out.
func (w *Response) HeadOnly() *Response {
	w.headOnly = true
	return w
}

// Closing reports whether the reply announces Connection: close.
func (w *Response) Closing() bool {
	for _, h := range w.headers {
		if strings.EqualFold(h.Key, cp.HeaderConnection) {
			return strings.EqualFold(strings.TrimSpace(h.Value), "close")
		}
	}
	return false
}

// Loop returns the loop the response is sent from. Handlers use it to
// offload work or sleep.
func (w *Response) Loop() *coro.Loop { return w.loop }

// HeadSent reports whether the status line already went out. After that a
// failure can only end the connection.
func (w *Response) HeadSent() bool { return w.headSent }

// Status returns the status set on the reply being built.
func (w *Response) Status() int { return w.code }

// Send writes the status line, headers, Content-Length and body.
func (w *Response) Send() error {
	buf := w.appendHead(w.sendBuf[:0], int64(len(w.body)))
	if !w.headOnly {
		buf = append(buf, w.body...)
	}
	w.sendBuf = buf
	w.headSent = true
	return w.stream.Send(buf, w.timeout)
}

// appendHead encodes the head. A negative contentLength omits the
// Content-Length header.
func (w *Response) appendHead(buf []byte, contentLength int64) []byte {
	if w.code == 0 {
		w.SetStatus(StatusOK)
	}
	buf = cp.AppendStatusLine(buf, cp.HTTP11, w.code, w.reason)
	for _, h := range w.headers {
		if strings.EqualFold(h.Key, cp.HeaderContentLength) {
			continue
		}
		buf = cp.AppendHeader(buf, h.Key, h.Value)
	}
	if !hasHeader(w.headers, cp.HeaderConnection) {
		buf = cp.AppendHeader(buf, "Connection", "keep-alive")
	}
	if !hasHeader(w.headers, "server") {
		buf = cp.AppendHeader(buf, "Server", ServerName)
	}
	if contentLength >= 0 {
		buf = cp.AppendHeader(buf, "Content-Length", strconv.FormatInt(contentLength, 10))
	}
	return append(buf, cp.CRLF...)
}

func (w *Response) sendHead(contentLength int64) error {
	w.sendBuf = w.appendHead(w.sendBuf[:0], contentLength)
	w.headSent = true
	return w.stream.Send(w.sendBuf, w.timeout)
}

func (w *Response) openFile(path string) (*AsyncFile, error) {
	f := NewAsyncFile(w.loop)
	if err := f.Open(path); err != nil {
		return nil, err
	}
	return f, nil
}

// SendChunkedFile streams path with chunked transfer encoding in
// FileChunkSize pieces. The file is opened before anything is sent, so an
// open failure leaves the response untouched.
func (w *Response) SendChunkedFile(path string) error {
	f, err := w.openFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w.SetStatus(StatusOK).
		SetContentType(ContentTypeByPath(path)).
		AddHeader("Transfer-Encoding", "chunked")
	if err := w.sendHead(-1); err != nil || w.headOnly {
		return err
	}
	return w.sendChunks(f)
}

// sendChunks copies r as chunks until a read returns no data. A read may
// return less than the buffer without meaning end of file.
func (w *Response) sendChunks(r io.Reader) error {
	bp := pool.DefaultPool(cp.FileChunkSize)
	buf := bp.GetBuffer()
	defer bp.PutBuffer(buf)
	for {
		n, err := r.Read(buf)
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return err
		}
		out := w.sendBuf[:0]
		if n > 0 {
			out = cp.AppendChunk(out, buf[:n])
		}
		last := n == 0 || eof
		if last {
			out = cp.AppendLastChunk(out)
		}
		w.sendBuf = out
		if err := w.stream.Send(out, w.timeout); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}

// SendRangeFile serves path honoring the request's Range header. HEAD gets
// the size only; one satisfiable range gets 206 with Content-Range;
// several get a multipart/byteranges body; an unsatisfiable Range gets
// 416; no Range gets the whole file.
func (w *Response) SendRangeFile(view RangeView, path string) error {
	f, err := w.openFile(path)
	if err != nil {
		return err
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return err
	}
	ct := ContentTypeByPath(path)
	w.AddHeader("Accept-Ranges", "bytes")

	if view.Method == cp.MethodHead || w.headOnly {
		w.SetStatus(StatusOK).SetContentType(ct)
		return w.sendHead(size)
	}
	spec, ok := view.Range()
	if !ok {
		w.SetStatus(StatusOK).SetContentType(ct)
		if err := w.sendHead(size); err != nil {
			return err
		}
		return w.copyFile(f, 0, size)
	}
	ranges, err := cp.ParseRange(spec, size)
	if err != nil {
		w.SetStatus(StatusRangeNotSatisfiable).
			AddHeader("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
		return w.sendHead(0)
	}

	w.SetStatus(StatusPartialContent)
	if len(ranges) == 1 {
		r := ranges[0]
		w.AddHeader("Content-Range", r.ContentRange(size)).SetContentType(ct)
		if err := w.sendHead(r.Len()); err != nil {
			return err
		}
		return w.copyFile(f, r.Start, r.Len())
	}

	w.SetContentType(cp.MultipartContentType)
	if err := w.sendHead(cp.MultipartLength(ranges, size, ct)); err != nil {
		return err
	}
	for _, r := range ranges {
		w.sendBuf = cp.AppendPartHeader(w.sendBuf[:0], r, size, ct)
		if err := w.stream.Send(w.sendBuf, w.timeout); err != nil {
			return err
		}
		if err := w.copyFile(f, r.Start, r.Len()); err != nil {
			return err
		}
		if err := w.stream.Send([]byte(cp.CRLF), w.timeout); err != nil {
			return err
		}
	}
	w.sendBuf = cp.AppendMultipartEnd(w.sendBuf[:0])
	return w.stream.Send(w.sendBuf, w.timeout)
}

// copyFile sends n bytes of f starting at off.
func (w *Response) copyFile(f *AsyncFile, off, n int64) error {
	bp := pool.DefaultPool(cp.FileChunkSize)
	buf := bp.GetBuffer()
	defer bp.PutBuffer(buf)
	f.SetOffset(off)
	for n > 0 {
		got, err := f.Read(buf[:min(n, int64(len(buf)))])
		if err != nil {
			return err
		}
		if got == 0 {
			return fmt.Errorf("file shrank at offset %d: %w", f.Offset(), io.ErrUnexpectedEOF)
		}
		if err := w.stream.Send(buf[:got], w.timeout); err != nil {
			return err
		}
		n -= int64(got)
	}
	return nil
}

// ExpectNoBody makes the next ParseResponse stop after the headers, as
// required for the reply to a HEAD request.
func (w *Response) ExpectNoBody() {
	w.clientParser().ExpectNoBody()
}

func (w *Response) clientParser() *cp.Parser {
	if w.parser == nil {
		w.parser = cp.NewParser(cp.ModeResponse)
	}
	return w.parser
}

// ParseResponse receives until a complete reply is parsed. It reports
// false with a nil error when the peer closed the connection first.
func (w *Response) ParseResponse(timeout time.Duration) (bool, error) {
	return receive(w.stream, w.clientParser(), timeout)
}

// Started reports whether any byte of a reply arrived.
func (w *Response) Started() bool {
	return w.parser != nil && w.parser.Started()
}

// StatusCode returns the parsed status of a received reply, or the status
// being built when nothing was received.
func (w *Response) StatusCode() int {
	if w.parser != nil && w.parser.Done() {
		return w.parser.StatusCode()
	}
	return w.code
}

// Header looks up a header of the received reply.
func (w *Response) Header(key string) (string, bool) {
	return w.clientParser().Header(key)
}

// Body returns the body of the received reply.
func (w *Response) Body() []byte {
	return w.clientParser().Body()
}

// Data detaches the received reply from the connection buffers.
func (w *Response) Data() *ResponseData {
	p := w.clientParser()
	return &ResponseData{
		Status:  p.StatusCode(),
		Headers: maps.Clone(p.Headers()),
		Body:    append([]byte(nil), p.Body()...),
	}
}

// Reset clears the response for the next exchange on the connection.
func (w *Response) Reset() {
	w.code = 0
	w.reason = ""
	w.headers = w.headers[:0]
	w.body = nil
	w.sendBuf = w.sendBuf[:0]
	w.headSent = false
	w.headOnly = false
	if w.parser != nil {
		w.parser.Reset()
	}
}
