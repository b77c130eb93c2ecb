// File: protocol/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request is both the server-side view of an incoming request and the
// client-side builder of an outgoing one.

package protocol

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/momentics/hioload-http/api"
	cp "github.com/momentics/hioload-http/core/protocol"
)

// RangeView carries what SendRangeFile needs from a request.
type RangeView struct {
	Method  string
	Headers map[string]string
}

// Range returns the Range header value, if any.
func (v RangeView) Range() (string, bool) {
	r, ok := v.Headers[cp.HeaderRange]
	return r, ok
}

// Request is owned by the task handling one connection.
type Request struct {
	stream api.Stream
	parser *cp.Parser

	pathParams []string
	wildcard   string

	// outgoing side
	method  string
	target  string
	out     []cp.Header
	body    []byte
	sendBuf []byte
}

// NewRequest binds a request to s.
func NewRequest(s api.Stream) *Request {
	return &Request{
		stream: s,
		parser: cp.NewParser(cp.ModeRequest),
	}
}

// ParseRequest receives until a complete request is parsed. It reports
// false with a nil error when the peer closed the connection before any
// byte of a new request arrived.
func (r *Request) ParseRequest(timeout time.Duration) (bool, error) {
	return receive(r.stream, r.parser, timeout)
}

// receive drives p from s until a message is complete.
func receive(s api.Stream, p *cp.Parser, timeout time.Duration) (bool, error) {
	for !p.Done() {
		space := p.Space()
		if len(space) == 0 {
			return false, fmt.Errorf("%w: %w", api.ErrProtocol, api.ErrBufferOverflow)
		}
		n, err := s.Recv(space, timeout)
		if err != nil {
			return false, err
		}
		if n == 0 {
			if !p.Started() {
				return false, nil
			}
			return false, &api.ConnError{Op: "recv", Err: api.ErrConnectionClosed}
		}
		if _, err := p.Commit(n); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Started reports whether any byte of the current request has arrived.
func (r *Request) Started() bool { return r.parser.Started() }

// Method returns the request method.
func (r *Request) Method() string { return r.parser.Method() }

// Path returns the request target including any query string.
func (r *Request) Path() string { return r.parser.Target() }

// PurePath returns the target without its query string.
func (r *Request) PurePath() string {
	p, _, _ := strings.Cut(r.parser.Target(), "?")
	return p
}

// Proto returns the protocol version, e.g. "HTTP/1.1".
func (r *Request) Proto() string { return r.parser.Proto() }

// Headers returns the headers keyed by lowercase name.
func (r *Request) Headers() map[string]string { return r.parser.Headers() }

// Header looks a header up case-insensitively.
func (r *Request) Header(key string) (string, bool) { return r.parser.Header(key) }

// Body returns the request body.
func (r *Request) Body() []byte { return r.parser.Body() }

// KeepAlive reports whether the client allows another request on the
// connection.
func (r *Request) KeepAlive() bool {
	c, ok := r.parser.Header(cp.HeaderConnection)
	if !ok {
		return r.Proto() == cp.HTTP11
	}
	return !strings.EqualFold(strings.TrimSpace(c), "close")
}

// QueryParams parses the query string. A key without "=" maps to "".
// Values are unescaped when they are valid escapes and kept as sent
// otherwise.
func (r *Request) QueryParams() map[string]string {
	_, query, ok := strings.Cut(r.parser.Target(), "?")
	if !ok {
		return map[string]string{}
	}
	query, _, _ = strings.Cut(query, "#")
	out := make(map[string]string)
	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		out[unescape(k)] = unescape(v)
	}
	return out
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// SetPathParams records the values matched by the router.
func (r *Request) SetPathParams(params []string, wildcard string) {
	r.pathParams = params
	r.wildcard = wildcard
}

// PathParam returns the i-th "{name}" segment matched by the route.
func (r *Request) PathParam(i int) (string, error) {
	if i < 0 || i >= len(r.pathParams) {
		return "", fmt.Errorf("path parameter %d: %w", i, api.ErrNotFound)
	}
	return r.pathParams[i], nil
}

// PathParams returns every matched "{name}" segment in order.
func (r *Request) PathParams() []string { return r.pathParams }

// Wildcard returns the remainder matched by a trailing "**".
func (r *Request) Wildcard() (string, error) {
	if r.wildcard == "" {
		return "", fmt.Errorf("wildcard path: %w", api.ErrNotFound)
	}
	return r.wildcard, nil
}

// RangeView returns the method and headers for SendRangeFile.
func (r *Request) RangeView() RangeView {
	return RangeView{Method: r.Method(), Headers: r.Headers()}
}

// SetRequestLine sets the outgoing method and target.
func (r *Request) SetRequestLine(method, target string) *Request {
	r.method = method
	r.target = target
	return r
}

// AddHeader sets an outgoing header, replacing one with the same name.
func (r *Request) AddHeader(key, value string) *Request {
	r.out = setHeader(r.out, key, value)
	return r
}

// TryAddHeader sets an outgoing header unless one with the same name is
// already present.
func (r *Request) TryAddHeader(key, value string) *Request {
	if !hasHeader(r.out, key) {
		r.out = append(r.out, cp.Header{Key: key, Value: value})
	}
	return r
}

// SetBody sets the outgoing body. Send adds its Content-Length.
func (r *Request) SetBody(body []byte) *Request {
	r.body = body
	return r
}

// Send writes the outgoing request.
func (r *Request) Send(timeout time.Duration) error {
	if r.method == "" || r.target == "" {
		return fmt.Errorf("request line not set: %w", api.ErrInvalidArgument)
	}
	buf := cp.AppendRequestLine(r.sendBuf[:0], r.method, r.target, cp.HTTP11)
	for _, h := range r.out {
		if strings.EqualFold(h.Key, cp.HeaderContentLength) {
			continue
		}
		buf = cp.AppendHeader(buf, h.Key, h.Value)
	}
	if len(r.body) > 0 || hasBody(r.method) {
		buf = cp.AppendHeader(buf, "Content-Length", strconv.Itoa(len(r.body)))
	}
	buf = append(buf, cp.CRLF...)
	buf = append(buf, r.body...)
	r.sendBuf = buf
	return r.stream.Send(buf, timeout)
}

func hasBody(method string) bool {
	switch method {
	case cp.MethodPost, cp.MethodPut, cp.MethodPatch:
		return true
	}
	return false
}

// Reset clears both directions for the next exchange on the connection.
func (r *Request) Reset() {
	r.parser.Reset()
	r.pathParams = nil
	r.wildcard = ""
	r.method = ""
	r.target = ""
	r.out = r.out[:0]
	r.body = nil
	r.sendBuf = r.sendBuf[:0]
}

func setHeader(hs []cp.Header, key, value string) []cp.Header {
	for i := range hs {
		if strings.EqualFold(hs[i].Key, key) {
			hs[i].Value = value
			return hs
		}
	}
	return append(hs, cp.Header{Key: key, Value: value})
}

func hasHeader(hs []cp.Header, key string) bool {
	for _, h := range hs {
		if strings.EqualFold(h.Key, key) {
			return true
		}
	}
	return false
}
