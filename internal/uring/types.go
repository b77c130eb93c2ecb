//go:build linux

// File: internal/uring/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kernel ABI for io_uring: opcodes, flags and the shared structures laid out
// exactly as in <linux/io_uring.h>.

package uring

// Opcodes understood by the ring.
const (
	OpNop         = 0
	OpReadv       = 1
	OpWritev      = 2
	OpFsync       = 3
	OpPollAdd     = 6
	OpTimeout     = 11
	OpAccept      = 13
	OpAsyncCancel = 14
	OpLinkTimeout = 15
	OpConnect     = 16
	OpOpenat      = 18
	OpClose       = 19
	OpRead        = 22
	OpWrite       = 23
	OpSend        = 26
	OpRecv        = 27
	OpShutdown    = 34
	OpSocket      = 45
)

// SQE flags.
const (
	SqeFixedFile  = 1 << 0
	SqeIODrain    = 1 << 1
	SqeIOLink     = 1 << 2
	SqeIOHardlink = 1 << 3
	SqeAsync      = 1 << 4
)

// io_uring_enter flags.
const (
	EnterGetEvents = 1 << 0
	EnterSqWakeup  = 1 << 1
	EnterSqWait    = 1 << 2
	EnterExtArg    = 1 << 3
)

// Feature bits reported in Params.Features.
const (
	FeatSingleMmap = 1 << 0
	FeatNoDrop     = 1 << 1
	FeatExtArg     = 1 << 8
)

// mmap offsets.
const (
	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000
)

// SQRingOffsets is struct io_sqring_offsets.
type SQRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

// CQRingOffsets is struct io_cqring_offsets.
type CQRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

// Params is struct io_uring_params (120 bytes).
type Params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        SQRingOffsets
	CqOff        CQRingOffsets
}

// SQE is a 64-byte submission queue entry.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_           uint64
}

// CQE is a 16-byte completion queue entry.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Timespec is struct __kernel_timespec.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// getEventsArg is struct io_uring_getevents_arg.
type getEventsArg struct {
	Sigmask   uint64
	SigmaskSz uint32
	Pad       uint32
	Ts        uint64
}

// io_uring_register opcodes and probe flags.
const (
	registerProbe = 8
	opSupported   = 1 << 0
	probeOps      = 64
)

// ProbeOp is struct io_uring_probe_op.
type ProbeOp struct {
	Op    uint8
	Resv  uint8
	Flags uint16
	Resv2 uint32
}

// Probe is struct io_uring_probe followed by room for probeOps entries.
type Probe struct {
	LastOp uint8
	OpsLen uint8
	Resv   uint16
	Resv2  [3]uint32
	Ops    [probeOps]ProbeOp
}

// Supported reports whether the kernel accepts op.
func (p *Probe) Supported(op uint8) bool {
	if op > p.LastOp || op >= p.OpsLen || int(op) >= len(p.Ops) {
		return false
	}
	return p.Ops[op].Flags&opSupported != 0
}
