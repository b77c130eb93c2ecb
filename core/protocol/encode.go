// File: core/protocol/encode.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Message encoders. Each appends to dst and returns the extended slice so
// callers can reuse one send buffer per connection.

package protocol

import "strconv"

// Header is one outgoing header in send order.
type Header struct {
	Key   string
	Value string
}

// AppendRequestLine appends "METHOD target proto\r\n".
func AppendRequestLine(dst []byte, method, target, proto string) []byte {
	dst = append(dst, method...)
	dst = append(dst, ' ')
	dst = append(dst, target...)
	dst = append(dst, ' ')
	dst = append(dst, proto...)
	return append(dst, CRLF...)
}

// AppendStatusLine appends "proto code reason\r\n".
func AppendStatusLine(dst []byte, proto string, code int, reason string) []byte {
	dst = append(dst, proto...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	return append(dst, CRLF...)
}

// AppendHeader appends "key: value\r\n".
func AppendHeader(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, HeaderSeparator...)
	dst = append(dst, value...)
	return append(dst, CRLF...)
}

// AppendHeaders appends every header followed by the blank line ending the
// header section.
func AppendHeaders(dst []byte, headers []Header) []byte {
	for _, h := range headers {
		dst = AppendHeader(dst, h.Key, h.Value)
	}
	return append(dst, CRLF...)
}

// AppendChunk frames data as one chunk with an uppercase hex size. Empty
// data produces the terminating zero-length chunk.
func AppendChunk(dst, data []byte) []byte {
	if len(data) == 0 {
		return AppendLastChunk(dst)
	}
	start := len(dst)
	dst = strconv.AppendUint(dst, uint64(len(data)), 16)
	for i := start; i < len(dst); i++ {
		if c := dst[i]; c >= 'a' && c <= 'f' {
			dst[i] = c - 'a' + 'A'
		}
	}
	dst = append(dst, CRLF...)
	dst = append(dst, data...)
	return append(dst, CRLF...)
}

// AppendLastChunk appends the zero-length chunk and an empty trailer.
func AppendLastChunk(dst []byte) []byte {
	return append(dst, "0\r\n\r\n"...)
}
