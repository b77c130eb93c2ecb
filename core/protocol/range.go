// File: core/protocol/range.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Byte range requests: "Range: bytes=<start>-<end>[, ...]" parsing and the
// multipart/byteranges framing used to answer several ranges at once.

package protocol

import (
	"errors"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable means no requested range fits the resource.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// MultipartContentType is the Content-Type of a multi-range reply.
const MultipartContentType = "multipart/byteranges; boundary=" + Boundary

// ByteRange is an inclusive byte interval.
type ByteRange struct {
	Start int64
	End   int64
}

// Len is the number of bytes covered.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// ContentRange formats the Content-Range value for r within size.
func (r ByteRange) ContentRange(size int64) string {
	return "bytes " + strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10) + "/" + strconv.FormatInt(size, 10)
}

// ParseRange parses a Range header value against a resource of size bytes.
// An empty start means 0 and an empty end means the last byte. A range is
// valid when start <= end < size. With a single range an invalid one is an
// error; with several, invalid ones are skipped and the error is returned
// only when none is left.
func ParseRange(value string, size int64) ([]ByteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes=")
	if !ok {
		return nil, ErrRangeNotSatisfiable
	}
	parts := strings.Split(spec, ",")
	out := make([]ByteRange, 0, len(parts))
	for _, part := range parts {
		r, ok := parseOne(strings.TrimSpace(part), size)
		if !ok {
			if len(parts) == 1 {
				return nil, ErrRangeNotSatisfiable
			}
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, ErrRangeNotSatisfiable
	}
	return out, nil
}

func parseOne(s string, size int64) (ByteRange, bool) {
	begin, end, ok := strings.Cut(s, "-")
	if !ok {
		return ByteRange{}, false
	}
	r := ByteRange{Start: 0, End: size - 1}
	var err error
	if begin = strings.TrimSpace(begin); begin != "" {
		if r.Start, err = strconv.ParseInt(begin, 10, 64); err != nil {
			return ByteRange{}, false
		}
	}
	if end = strings.TrimSpace(end); end != "" {
		if r.End, err = strconv.ParseInt(end, 10, 64); err != nil {
			return ByteRange{}, false
		}
	}
	if r.Start < 0 || r.Start > r.End || r.End >= size {
		return ByteRange{}, false
	}
	return r, true
}

// AppendPartHeader appends the boundary line and part headers that precede
// the bytes of r in a multipart/byteranges body.
func AppendPartHeader(dst []byte, r ByteRange, size int64, contentType string) []byte {
	dst = append(dst, "--"+Boundary+CRLF...)
	dst = AppendHeader(dst, "Content-Range", r.ContentRange(size))
	dst = AppendHeader(dst, "Content-Length", strconv.FormatInt(r.Len(), 10))
	dst = AppendHeader(dst, "Content-Type", contentType)
	return append(dst, CRLF...)
}

// AppendMultipartEnd appends the closing boundary.
func AppendMultipartEnd(dst []byte) []byte {
	return append(dst, "--"+Boundary+"--"+CRLF...)
}

// MultipartLength is the exact body length of a multipart/byteranges reply
// for ranges, each part's data followed by CRLF.
func MultipartLength(ranges []ByteRange, size int64, contentType string) int64 {
	var n int64
	var scratch []byte
	for _, r := range ranges {
		scratch = AppendPartHeader(scratch[:0], r, size, contentType)
		n += int64(len(scratch)) + r.Len() + int64(len(CRLF))
	}
	return n + int64(len(AppendMultipartEnd(scratch[:0])))
}
