// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral completion driver interface. A driver accepts operations
// tagged with an opaque 64-bit value and later reports exactly one
// completion per tag.

package reactor

import (
	"net/netip"
	"time"
)

// Opcode selects the kernel operation.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpOpen
	OpSocket
	OpAccept
	OpConnect
	OpRead
	OpWrite
	OpRecv
	OpSend
	OpClose
	OpPoll
	OpLinkTimeout
)

var opNames = [...]string{"nop", "open", "socket", "accept", "connect", "read", "write", "recv", "send", "close", "poll", "link_timeout"}

func (o Opcode) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// Op describes one operation. Fields not used by Code are ignored.
type Op struct {
	Code Opcode
	Fd   int

	// Read, Write, Recv, Send.
	Buf []byte
	// Read and Write position; negative means the current file offset.
	Offset int64
	// open(2) flags, MSG_* flags or poll events depending on Code.
	Flags int
	// Open mode and path.
	Mode uint32
	Path string

	// Socket arguments.
	Domain int
	Type   int
	Proto  int

	// Connect peer.
	Peer netip.AddrPort

	// LinkTimeout duration.
	Timeout time.Duration

	// Link chains this op to the LinkTimeout submitted right after it.
	// If the timeout fires first the op completes with -ECANCELED and the
	// timeout with -ETIME; if the op completes first the timeout
	// completes with -ECANCELED.
	Link bool
}

// Completion reports the result of one tagged op. Res follows kernel
// conventions: non-negative on success, negated errno on failure.
type Completion struct {
	Tag uint64
	Res int32
}

// Kind names a driver implementation.
type Kind string

const (
	KindAuto  Kind = "auto"
	KindUring Kind = "io_uring"
	KindEpoll Kind = "epoll"
)

// InternalTag marks tags a driver issues for its own bookkeeping. Callers
// must not use tags with this bit set.
const InternalTag uint64 = 1 << 63

// Driver is owned by a single event loop goroutine.
type Driver interface {
	// Submit queues op. It never drops a request: when the submission
	// queue is full it submits and waits for capacity.
	Submit(op Op, tag uint64) error

	// Cancel asks for the op identified by tag to complete early with
	// -ECANCELED. Cancelling an already completed tag is a no-op.
	Cancel(tag uint64) error

	// Wait flushes queued ops and blocks once until at least one
	// completion is ready or timeout elapses (negative blocks without
	// bound). Every available completion is appended to out.
	Wait(timeout time.Duration, out []Completion) ([]Completion, error)

	// Kind reports the implementation.
	Kind() Kind

	// Close releases the driver's descriptors.
	Close() error
}
