//go:build linux

// File: internal/uring/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ring maps the submission and completion queues of one io_uring instance
// and exposes the minimum needed by a single-threaded owner: reserve an
// SQE, publish and submit, wait with an optional timeout, drain CQEs.

package uring

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

// Ring is not safe for concurrent use.
type Ring struct {
	fd     int
	params Params

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte
	single bool

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqSize  uint32
	sqArray []uint32
	sqes    []SQE
	sqeTail uint32 // prepared, not yet published

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []CQE
}

// New sets up a ring with the given number of SQ entries.
func New(entries uint32) (*Ring, error) {
	r := &Ring{fd: -1}
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&r.params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}
	r.fd = int(fd)
	if err := r.mmap(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Ring) mmap() error {
	p := &r.params
	sqLen := int(p.SqOff.Array + p.SqEntries*4)
	cqLen := int(p.CqOff.Cqes + p.CqEntries*uint32(unsafe.Sizeof(CQE{})))
	r.single = p.Features&FeatSingleMmap != 0
	if r.single {
		sqLen = max(sqLen, cqLen)
	}
	var err error
	r.sqMem, err = unix.Mmap(r.fd, offSQRing, sqLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	if r.single {
		r.cqMem = r.sqMem
	} else {
		r.cqMem, err = unix.Mmap(r.fd, offCQRing, cqLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return fmt.Errorf("mmap cq ring: %w", err)
		}
	}
	sqeLen := int(p.SqEntries) * int(unsafe.Sizeof(SQE{}))
	r.sqeMem, err = unix.Mmap(r.fd, offSQEs, sqeLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sqes: %w", err)
	}

	r.sqHead = u32At(r.sqMem, p.SqOff.Head)
	r.sqTail = u32At(r.sqMem, p.SqOff.Tail)
	r.sqMask = *u32At(r.sqMem, p.SqOff.RingMask)
	r.sqSize = *u32At(r.sqMem, p.SqOff.RingEntries)
	r.sqArray = unsafe.Slice(u32At(r.sqMem, p.SqOff.Array), r.sqSize)
	for i := range r.sqArray {
		r.sqArray[i] = uint32(i)
	}
	r.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&r.sqeMem[0])), p.SqEntries)
	r.sqeTail = atomic.LoadUint32(r.sqTail)

	r.cqHead = u32At(r.cqMem, p.CqOff.Head)
	r.cqTail = u32At(r.cqMem, p.CqOff.Tail)
	r.cqMask = *u32At(r.cqMem, p.CqOff.RingMask)
	r.cqes = unsafe.Slice((*CQE)(unsafe.Pointer(&r.cqMem[p.CqOff.Cqes])), p.CqEntries)
	return nil
}

func u32At(mem []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// Features returns the kernel feature mask.
func (r *Ring) Features() uint32 { return r.params.Features }

// Entries returns the SQ size.
func (r *Ring) Entries() uint32 { return r.sqSize }

// Free reports how many SQEs can still be reserved before a submit.
func (r *Ring) Free() uint32 {
	return r.sqSize - (r.sqeTail - atomic.LoadUint32(r.sqHead))
}

// GetSQE reserves a zeroed SQE. It returns iox.ErrWouldBlock when the
// submission queue is full; the caller submits and retries.
func (r *Ring) GetSQE() (*SQE, error) {
	if r.sqeTail-atomic.LoadUint32(r.sqHead) >= r.sqSize {
		return nil, iox.ErrWouldBlock
	}
	sqe := &r.sqes[r.sqeTail&r.sqMask]
	*sqe = SQE{}
	r.sqeTail++
	return sqe, nil
}

// flush publishes prepared SQEs and returns how many the kernel has not
// consumed yet.
func (r *Ring) flush() uint32 {
	atomic.StoreUint32(r.sqTail, r.sqeTail)
	return r.sqeTail - atomic.LoadUint32(r.sqHead)
}

// Submit hands prepared SQEs to the kernel without waiting.
func (r *Ring) Submit() error {
	n := r.flush()
	if n == 0 {
		return nil
	}
	_, err := r.enter(n, 0, 0, nil, 0)
	return err
}

// SubmitAndWait submits and blocks until at least one completion is
// available. A nil timeout waits indefinitely; a timeout requires
// FeatExtArg. Expiry and signal interruption are not errors.
func (r *Ring) SubmitAndWait(timeout *time.Duration) error {
	n := r.flush()
	if timeout == nil {
		_, err := r.enter(n, 1, EnterGetEvents, nil, 0)
		return err
	}
	ts := &Timespec{Sec: int64(*timeout / time.Second), Nsec: int64(*timeout % time.Second)}
	arg := &getEventsArg{Ts: uint64(uintptr(unsafe.Pointer(ts)))}
	_, err := r.enter(n, 1, EnterGetEvents|EnterExtArg, unsafe.Pointer(arg), unsafe.Sizeof(*arg))
	runtime.KeepAlive(ts)
	runtime.KeepAlive(arg)
	return err
}

func (r *Ring) enter(toSubmit, minComplete, flags uint32, arg unsafe.Pointer, argSize uintptr) (int, error) {
	n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(toSubmit),
		uintptr(minComplete), uintptr(flags), uintptr(arg), argSize)
	switch errno {
	case 0:
		return int(n), nil
	case unix.EINTR, unix.ETIME:
		return 0, nil
	case unix.EAGAIN, unix.EBUSY:
		// completion queue is backed up; the owner drains it next
		return 0, nil
	}
	return 0, fmt.Errorf("io_uring_enter: %w", errno)
}

// Drain appends every available CQE to out and releases them to the kernel.
func (r *Ring) Drain(out []CQE) []CQE {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	for ; head != tail; head++ {
		out = append(out, r.cqes[head&r.cqMask])
	}
	atomic.StoreUint32(r.cqHead, head)
	return out
}

// Probe asks the kernel which opcodes it supports. Kernels older than 5.6
// reject the request with EINVAL.
func (r *Ring) Probe() (*Probe, error) {
	p := new(Probe)
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), registerProbe,
		uintptr(unsafe.Pointer(p)), probeOps, 0, 0)
	runtime.KeepAlive(p)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_register probe: %w", errno)
	}
	return p, nil
}

// Close unmaps the rings and closes the descriptor.
func (r *Ring) Close() error {
	if r.sqeMem != nil {
		unix.Munmap(r.sqeMem)
		r.sqeMem = nil
	}
	if r.cqMem != nil && !r.single {
		unix.Munmap(r.cqMem)
	}
	r.cqMem = nil
	if r.sqMem != nil {
		unix.Munmap(r.sqMem)
		r.sqMem = nil
	}
	if r.fd >= 0 {
		err := unix.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}
