//go:build linux

// File: reactor/uring_reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// io_uring driver. Every submitted op is pinned in a map keyed by its tag
// until the kernel posts its CQE, so buffers, paths, sockaddrs and
// timespecs referenced by raw addresses in SQEs stay reachable.

package reactor

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
	"unsafe"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/internal/uring"
	"golang.org/x/sys/unix"
)

type pinned struct {
	op   Op
	path []byte
	sa   []byte
	ts   *uring.Timespec
}

type uringDriver struct {
	ring    *uring.Ring
	pinned  map[uint64]*pinned
	extArg  bool
	cqes    []uring.CQE
	backlog []Completion
	seq     uint64
}

func newUringDriver(entries uint32) (*uringDriver, error) {
	ring, err := uring.New(entries)
	if err != nil {
		return nil, err
	}
	probe, err := ring.Probe()
	if err == nil {
		err = checkOps(probe)
	}
	if err != nil {
		ring.Close()
		return nil, err
	}
	return &uringDriver{
		ring:   ring,
		pinned: make(map[uint64]*pinned),
		extArg: ring.Features()&uring.FeatExtArg != 0,
	}, nil
}

// requiredOps lists every opcode prep and the driver itself submit.
var requiredOps = []uint8{
	uring.OpNop, uring.OpPollAdd, uring.OpTimeout, uring.OpAccept,
	uring.OpAsyncCancel, uring.OpLinkTimeout, uring.OpConnect, uring.OpOpenat,
	uring.OpClose, uring.OpRead, uring.OpWrite, uring.OpSend, uring.OpRecv,
	uring.OpSocket,
}

// checkOps fails when the kernel lacks an opcode the driver relies on, so
// KindAuto can settle on epoll instead of failing ops at run time.
func checkOps(p *uring.Probe) error {
	var missing []uint8
	for _, op := range requiredOps {
		if !p.Supported(op) {
			missing = append(missing, op)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("io_uring lacks opcodes %v: %w", missing, api.ErrNotSupported)
	}
	return nil
}

func (d *uringDriver) Kind() Kind { return KindUring }

// reserve makes room for n SQEs, submitting and waiting while the queue
// is full. Completions reaped meanwhile are kept for the next Wait.
func (d *uringDriver) reserve(n uint32) error {
	if d.ring.Free() >= n {
		return nil
	}
	if err := d.ring.Submit(); err != nil {
		return err
	}
	for d.ring.Free() < n {
		d.backlog = d.collect(d.backlog)
		if err := d.ring.SubmitAndWait(nil); err != nil {
			return err
		}
	}
	return nil
}

func (d *uringDriver) Submit(op Op, tag uint64) error {
	pin := &pinned{op: op}
	switch op.Code {
	case OpOpen:
		pin.path = append([]byte(op.Path), 0)
	case OpConnect:
		sa, err := rawSockaddr(op.Peer)
		if err != nil {
			return err
		}
		pin.sa = sa
	case OpLinkTimeout:
		pin.ts = timespec(op.Timeout)
	}
	need := uint32(1)
	if op.Link {
		need = 2
	}
	if err := d.reserve(need); err != nil {
		return err
	}
	sqe, err := d.ring.GetSQE()
	if err != nil {
		return err
	}
	if err := prep(sqe, pin); err != nil {
		sqe.Opcode = uring.OpNop
		sqe.UserData = InternalTag
		return err
	}
	sqe.UserData = tag
	if op.Link {
		sqe.Flags |= uring.SqeIOLink
	}
	d.pinned[tag] = pin
	return nil
}

func prep(sqe *uring.SQE, pin *pinned) error {
	op := &pin.op
	sqe.Fd = int32(op.Fd)
	switch op.Code {
	case OpNop:
		sqe.Opcode = uring.OpNop
	case OpOpen:
		sqe.Opcode = uring.OpOpenat
		sqe.Fd = unix.AT_FDCWD
		sqe.Addr = bufAddr(pin.path)
		sqe.Len = op.Mode
		sqe.OpFlags = uint32(op.Flags | unix.O_CLOEXEC)
	case OpSocket:
		sqe.Opcode = uring.OpSocket
		sqe.Fd = int32(op.Domain)
		sqe.Off = uint64(op.Type | unix.SOCK_CLOEXEC)
		sqe.Len = uint32(op.Proto)
	case OpAccept:
		sqe.Opcode = uring.OpAccept
		sqe.OpFlags = uint32(op.Flags | unix.SOCK_CLOEXEC)
	case OpConnect:
		sqe.Opcode = uring.OpConnect
		sqe.Addr = bufAddr(pin.sa)
		sqe.Off = uint64(len(pin.sa))
	case OpRead, OpWrite:
		sqe.Opcode = uring.OpRead
		if op.Code == OpWrite {
			sqe.Opcode = uring.OpWrite
		}
		sqe.Addr = bufAddr(op.Buf)
		sqe.Len = uint32(len(op.Buf))
		sqe.Off = uint64(op.Offset)
	case OpRecv:
		sqe.Opcode = uring.OpRecv
		sqe.Addr = bufAddr(op.Buf)
		sqe.Len = uint32(len(op.Buf))
		sqe.OpFlags = uint32(op.Flags)
	case OpSend:
		sqe.Opcode = uring.OpSend
		sqe.Addr = bufAddr(op.Buf)
		sqe.Len = uint32(len(op.Buf))
		sqe.OpFlags = uint32(op.Flags | unix.MSG_NOSIGNAL)
	case OpClose:
		sqe.Opcode = uring.OpClose
	case OpPoll:
		sqe.Opcode = uring.OpPollAdd
		sqe.OpFlags = uint32(op.Flags)
	case OpLinkTimeout:
		sqe.Opcode = uring.OpLinkTimeout
		sqe.Fd = -1
		sqe.Addr = uint64(uintptr(unsafe.Pointer(pin.ts)))
		sqe.Len = 1
	default:
		return fmt.Errorf("uring op %v: %w", op.Code, api.ErrNotSupported)
	}
	return nil
}

func (d *uringDriver) Cancel(tag uint64) error {
	if _, ok := d.pinned[tag]; !ok {
		return nil
	}
	if err := d.reserve(1); err != nil {
		return err
	}
	sqe, err := d.ring.GetSQE()
	if err != nil {
		return err
	}
	sqe.Opcode = uring.OpAsyncCancel
	sqe.Fd = -1
	sqe.Addr = tag
	sqe.UserData = d.internalTag()
	return nil
}

func (d *uringDriver) Wait(timeout time.Duration, out []Completion) ([]Completion, error) {
	out = append(out, d.backlog...)
	d.backlog = d.backlog[:0]
	if len(out) > 0 {
		timeout = 0
	}
	var err error
	switch {
	case timeout == 0:
		err = d.ring.Submit()
	case timeout < 0:
		err = d.ring.SubmitAndWait(nil)
	case d.extArg:
		err = d.ring.SubmitAndWait(&timeout)
	default:
		err = d.armTimeout(timeout)
		if err == nil {
			err = d.ring.SubmitAndWait(nil)
		}
	}
	if err != nil {
		return out, err
	}
	return d.collect(out), nil
}

// armTimeout bounds a wait on kernels without IORING_ENTER_EXT_ARG.
func (d *uringDriver) armTimeout(timeout time.Duration) error {
	if err := d.reserve(1); err != nil {
		return err
	}
	sqe, err := d.ring.GetSQE()
	if err != nil {
		return err
	}
	pin := &pinned{ts: timespec(timeout)}
	tag := d.internalTag()
	sqe.Opcode = uring.OpTimeout
	sqe.Fd = -1
	sqe.Addr = uint64(uintptr(unsafe.Pointer(pin.ts)))
	sqe.Len = 1
	sqe.UserData = tag
	d.pinned[tag] = pin
	return nil
}

func (d *uringDriver) collect(out []Completion) []Completion {
	d.cqes = d.ring.Drain(d.cqes[:0])
	for _, c := range d.cqes {
		delete(d.pinned, c.UserData)
		if c.UserData&InternalTag != 0 {
			continue
		}
		out = append(out, Completion{Tag: c.UserData, Res: c.Res})
	}
	return out
}

func (d *uringDriver) internalTag() uint64 {
	d.seq++
	return InternalTag | d.seq
}

func (d *uringDriver) Close() error {
	clear(d.pinned)
	return d.ring.Close()
}

func bufAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func timespec(d time.Duration) *uring.Timespec {
	if d < 0 {
		d = 0
	}
	return &uring.Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
}

// rawSockaddr lays out a sockaddr_in or sockaddr_in6 in Go-owned memory.
func rawSockaddr(ap netip.AddrPort) ([]byte, error) {
	addr := ap.Addr()
	switch {
	case addr.Is4():
		buf := make([]byte, unix.SizeofSockaddrInet4)
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&buf[0]))
		sa.Family = unix.AF_INET
		binary.BigEndian.PutUint16((*[2]byte)(unsafe.Pointer(&sa.Port))[:], ap.Port())
		sa.Addr = addr.As4()
		return buf, nil
	case addr.Is6():
		buf := make([]byte, unix.SizeofSockaddrInet6)
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&buf[0]))
		sa.Family = unix.AF_INET6
		binary.BigEndian.PutUint16((*[2]byte)(unsafe.Pointer(&sa.Port))[:], ap.Port())
		sa.Addr = addr.As16()
		return buf, nil
	}
	return nil, fmt.Errorf("sockaddr %v: %w", ap, api.ErrInvalidArgument)
}
