// File: api/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Byte stream contract used by the HTTP engine and the connection-security
// injection point.

package api

import "time"

// Stream is the transport an HTTP exchange runs over. Recv and Send suspend
// the calling task and must be called from inside a task on the owning loop.
// A timeout is reported as a *ConnError wrapping ErrOperationTimeout.
type Stream interface {
	// Recv reads at most len(buf) bytes. Zero bytes with a nil error
	// means the peer closed its side.
	Recv(buf []byte, timeout time.Duration) (int, error)

	// Send writes all of p.
	Send(p []byte, timeout time.Duration) error

	// Close releases the descriptor.
	Close() error
}

// SecurityProvider upgrades a plain stream, for example to TLS. The HTTP
// engine never reaches for a global security context; it is handed one.
type SecurityProvider interface {
	Wrap(s Stream) (Stream, error)
}

// PlainSecurity passes streams through unchanged.
type PlainSecurity struct{}

// Wrap returns s.
func (PlainSecurity) Wrap(s Stream) (Stream, error) { return s, nil }
