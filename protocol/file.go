// File: protocol/file.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// AsyncFile reads regular files through the loop's completion driver.

package protocol

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/core/coro"
	"golang.org/x/sys/unix"
)

// AsyncFile is a file descriptor with an explicit read offset. All methods
// suspend the calling task.
type AsyncFile struct {
	loop   *coro.Loop
	fd     int
	offset int64
}

// NewAsyncFile returns a closed file bound to l.
func NewAsyncFile(l *coro.Loop) *AsyncFile {
	return &AsyncFile{loop: l, fd: -1}
}

// Open opens path read-only.
func (f *AsyncFile) Open(path string) error {
	return f.OpenFile(path, unix.O_RDONLY, 0)
}

// OpenFile opens path with flags and mode.
func (f *AsyncFile) OpenFile(path string, flags int, mode uint32) error {
	res, err := f.loop.Open(path, flags, mode).Await()
	if err != nil {
		return err
	}
	fd, err := api.CheckResult("open "+path, res)
	if err != nil {
		return err
	}
	f.fd = fd
	f.offset = 0
	return nil
}

// Fd returns the descriptor, -1 when closed.
func (f *AsyncFile) Fd() int { return f.fd }

// SetOffset moves the read position.
func (f *AsyncFile) SetOffset(off int64) { f.offset = off }

// Offset returns the read position.
func (f *AsyncFile) Offset() int64 { return f.offset }

// Read reads into buf at the current offset and advances it. Zero means
// end of file.
func (f *AsyncFile) Read(buf []byte) (int, error) {
	res, err := f.loop.Read(f.fd, buf, f.offset).Await()
	if err != nil {
		return 0, err
	}
	n, err := api.CheckResult("read", res)
	if err != nil {
		return 0, err
	}
	f.offset += int64(n)
	return n, nil
}

// Write writes p at the current offset and advances it.
func (f *AsyncFile) Write(p []byte) (int, error) {
	res, err := f.loop.Write(f.fd, p, f.offset).Await()
	if err != nil {
		return 0, err
	}
	n, err := api.CheckResult("write", res)
	if err != nil {
		return 0, err
	}
	f.offset += int64(n)
	return n, nil
}

// Size returns the file size.
func (f *AsyncFile) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return st.Size, nil
}

// Close releases the descriptor. Closing a closed file is a no-op.
func (f *AsyncFile) Close() error {
	if f.fd < 0 {
		return nil
	}
	fd := f.fd
	f.fd = -1
	res, err := f.loop.CloseFD(fd).Await()
	if err != nil {
		return err
	}
	if _, err = api.CheckResult("close", res); errors.Is(err, unix.ECANCELED) {
		return nil
	}
	return err
}
