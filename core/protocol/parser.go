// File: core/protocol/parser.go
// Package protocol implements the incremental HTTP/1.1 message parser.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The parser state is the pair (headers complete, start line present) and
// only moves forward: start line, headers, body, done. Body progress is
// kept in a remaining-bytes counter so a body or chunk split across any
// number of reads resumes where the previous read stopped.

package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/momentics/hioload-http/api"
)

// Mode selects which start line the parser expects.
type Mode uint8

const (
	ModeRequest Mode = iota
	ModeResponse
)

type bodyMode uint8

const (
	bodyUnknown bodyMode = iota
	bodyNone
	bodyLength
	bodyChunked
)

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

var crlf = []byte(CRLF)

// Parser accumulates one HTTP message. The zero value is not usable; use
// NewParser.
type Parser struct {
	mode Mode
	buf  []byte
	off  int
	seen bool

	line        []string
	headersDone bool
	headers     map[string]string
	lastKey     string

	body      []byte
	bodyMode  bodyMode
	chunk     chunkState
	remaining int64
	done      bool
}

// NewParser returns a parser with a BufMaxSize accumulation buffer.
func NewParser(mode Mode) *Parser {
	return NewParserSize(mode, BufMaxSize)
}

// NewParserSize returns a parser with a size-byte accumulation buffer.
func NewParserSize(mode Mode, size int) *Parser {
	return &Parser{
		mode:    mode,
		buf:     make([]byte, 0, size),
		headers: make(map[string]string),
	}
}

// Reset returns the parser to its initial state for the next message on a
// reused connection.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.off = 0
	p.seen = false
	p.line = nil
	p.headersDone = false
	clear(p.headers)
	p.lastKey = ""
	p.body = nil
	p.bodyMode = bodyUnknown
	p.chunk = chunkSize
	p.remaining = 0
	p.done = false
}

// Space returns the free tail of the accumulation buffer. Receive into it
// and report the count with Commit.
func (p *Parser) Space() []byte {
	return p.buf[len(p.buf):cap(p.buf)]
}

// Commit accounts n bytes written into Space and parses as far as
// possible. It reports whether the message is complete.
func (p *Parser) Commit(n int) (bool, error) {
	if p.done {
		return true, nil
	}
	if n < 0 || len(p.buf)+n > cap(p.buf) {
		return false, fmt.Errorf("commit %d bytes: %w", n, api.ErrInvalidArgument)
	}
	if n > 0 {
		p.seen = true
	}
	p.buf = p.buf[:len(p.buf)+n]
	return p.parse()
}

// Feed copies data through the accumulation buffer and parses it. Bytes
// after the end of the message are ignored.
func (p *Parser) Feed(data []byte) (bool, error) {
	for len(data) > 0 {
		space := p.Space()
		if len(space) == 0 {
			return false, overflow()
		}
		n := copy(space, data)
		data = data[n:]
		done, err := p.Commit(n)
		if done || err != nil {
			return done, err
		}
	}
	return p.done, nil
}

// ExpectNoBody marks the message as bodiless whatever its headers say, as
// for the response to a HEAD request. Call it before the headers complete.
func (p *Parser) ExpectNoBody() {
	if p.bodyMode == bodyUnknown {
		p.bodyMode = bodyNone
	}
}

// Done reports whether a complete message was parsed.
func (p *Parser) Done() bool { return p.done }

// Started reports whether any byte of the current message arrived.
func (p *Parser) Started() bool { return p.seen }

func (p *Parser) state() int {
	s := 0
	if p.headersDone {
		s |= 2
	}
	if p.line != nil {
		s |= 1
	}
	return s
}

func (p *Parser) parse() (bool, error) {
	switch p.state() {
	case 0:
		data := p.buf[p.off:]
		i := bytes.Index(data, crlf)
		if i < 0 {
			return p.needMore()
		}
		fields := strings.Fields(string(data[:i]))
		want := 3
		if p.mode == ModeResponse {
			want = 2
		}
		if len(fields) < want {
			if len(p.buf) == cap(p.buf) {
				return false, api.ProtocolError("malformed start line")
			}
			return false, nil
		}
		if p.mode == ModeResponse && len(fields) > 3 {
			fields = append(fields[:2], strings.Join(fields[2:], " "))
		}
		p.line = fields
		p.off += i + 2
		fallthrough
	case 1:
		for !p.headersDone {
			data := p.buf[p.off:]
			i := bytes.Index(data, crlf)
			if i < 0 {
				return p.needMore()
			}
			line := string(data[:i])
			p.off += i + 2
			if err := p.headerLine(line); err != nil {
				return false, err
			}
		}
		fallthrough
	case 3:
		return p.parseBody()
	}
	return false, api.ProtocolError("unreachable parser state")
}

func (p *Parser) headerLine(line string) error {
	key, value, ok := strings.Cut(line, HeaderSeparator)
	switch {
	case ok && key != "":
		key = strings.ToLower(key)
		if prev, dup := p.headers[key]; dup {
			value = prev + ", " + value
		}
		p.headers[key] = value
		p.lastKey = key
	case line != "":
		if p.lastKey == "" {
			return api.ProtocolError("continuation line without header")
		}
		p.headers[p.lastKey] += line
	default:
		p.headersDone = true
	}
	return nil
}

func (p *Parser) parseBody() (bool, error) {
	if p.bodyMode == bodyUnknown {
		if err := p.selectBody(); err != nil {
			return false, err
		}
	}
	switch p.bodyMode {
	case bodyLength:
		p.take()
		if p.remaining > 0 {
			return p.needMore()
		}
	case bodyChunked:
		for {
			done, more, err := p.chunkStep()
			if err != nil {
				return false, err
			}
			if done {
				break
			}
			if more {
				return p.needMore()
			}
		}
	}
	p.done = true
	return true, nil
}

func (p *Parser) selectBody() error {
	if p.mode == ModeResponse {
		if code := p.StatusCode(); code < 200 || code == 204 || code == 304 {
			p.bodyMode = bodyNone
			return nil
		}
	}
	if cl, ok := p.headers[HeaderContentLength]; ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return api.ProtocolError("invalid content-length").WithContext("value", cl)
		}
		p.bodyMode = bodyLength
		p.remaining = n
		p.body = make([]byte, 0, min(n, 1<<20))
		return nil
	}
	if te, ok := p.headers[HeaderTransferEncoding]; ok && strings.Contains(strings.ToLower(te), "chunked") {
		p.bodyMode = bodyChunked
		p.chunk = chunkSize
		return nil
	}
	p.bodyMode = bodyNone
	return nil
}

// take moves up to remaining body bytes out of the buffer.
func (p *Parser) take() {
	data := p.buf[p.off:]
	n := int(min(int64(len(data)), p.remaining))
	p.body = append(p.body, data[:n]...)
	p.off += n
	p.remaining -= int64(n)
}

// chunkStep advances the chunked decoder by one state.
func (p *Parser) chunkStep() (done, more bool, err error) {
	data := p.buf[p.off:]
	switch p.chunk {
	case chunkSize:
		i := bytes.Index(data, crlf)
		if i < 0 {
			return false, true, nil
		}
		line := string(data[:i])
		p.off += i + 2
		if line == "" {
			return false, false, nil
		}
		size, _, _ := strings.Cut(line, ";")
		n, perr := strconv.ParseInt(strings.TrimSpace(size), 16, 64)
		if perr != nil || n < 0 {
			return false, false, api.ProtocolError("invalid chunk size").WithContext("line", line)
		}
		if n == 0 {
			p.chunk = chunkTrailer
			return false, false, nil
		}
		p.remaining = n
		p.chunk = chunkData
	case chunkData:
		p.take()
		if p.remaining > 0 {
			return false, true, nil
		}
		p.chunk = chunkDataEnd
	case chunkDataEnd:
		if len(data) < 2 {
			return false, true, nil
		}
		if data[0] != '\r' || data[1] != '\n' {
			return false, false, api.ProtocolError("chunk data not followed by CRLF")
		}
		p.off += 2
		p.chunk = chunkSize
	case chunkTrailer:
		i := bytes.Index(data, crlf)
		if i < 0 {
			return false, true, nil
		}
		line := string(data[:i])
		p.off += i + 2
		if line == "" {
			return true, false, nil
		}
		if key, value, ok := strings.Cut(line, HeaderSeparator); ok && key != "" {
			p.headers[strings.ToLower(key)] = value
		}
	}
	return false, false, nil
}

// needMore compacts unconsumed bytes to the head of the buffer. A full
// buffer that still holds no complete line is an overflow.
func (p *Parser) needMore() (bool, error) {
	if p.off > 0 {
		n := copy(p.buf, p.buf[p.off:])
		p.buf = p.buf[:n]
		p.off = 0
	}
	if len(p.buf) == cap(p.buf) {
		return false, overflow()
	}
	return false, nil
}

func overflow() error {
	return fmt.Errorf("%w: %w", api.ErrProtocol, api.ErrBufferOverflow)
}

// StartLine returns the parsed start-line fields.
func (p *Parser) StartLine() []string { return p.line }

func (p *Parser) field(i int) string {
	if i < len(p.line) {
		return p.line[i]
	}
	return ""
}

// Method is the request method.
func (p *Parser) Method() string { return p.field(0) }

// Target is the request target as sent.
func (p *Parser) Target() string { return p.field(1) }

// Proto is the protocol version of either message kind.
func (p *Parser) Proto() string {
	if p.mode == ModeResponse {
		return p.field(0)
	}
	return p.field(2)
}

// StatusCode is the response status, 0 when unparsable.
func (p *Parser) StatusCode() int {
	n, _ := strconv.Atoi(p.field(1))
	return n
}

// Reason is the response reason phrase.
func (p *Parser) Reason() string { return p.field(2) }

// Headers returns the parsed headers keyed by lowercase name.
func (p *Parser) Headers() map[string]string { return p.headers }

// Header looks a header up case-insensitively.
func (p *Parser) Header(key string) (string, bool) {
	v, ok := p.headers[strings.ToLower(key)]
	return v, ok
}

// Body returns the accumulated body.
func (p *Parser) Body() []byte { return p.body }
