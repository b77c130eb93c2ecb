//go:build linux

package reactor

import (
	"testing"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/internal/uring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func drivers(t *testing.T) map[Kind]func(*testing.T) Driver {
	return map[Kind]func(*testing.T) Driver{
		KindEpoll: func(t *testing.T) Driver {
			d, err := New(KindEpoll, 0)
			require.NoError(t, err)
			t.Cleanup(func() { d.Close() })
			return d
		},
		KindUring: func(t *testing.T) Driver {
			d, err := New(KindUring, 32)
			if err != nil {
				t.Skipf("io_uring unavailable: %v", err)
			}
			t.Cleanup(func() { d.Close() })
			return d
		},
	}
}

func socketPair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// reap waits until n completions arrived and indexes them by tag.
func reap(t *testing.T, d Driver, n int) map[uint64]int32 {
	t.Helper()
	got := make(map[uint64]int32)
	deadline := time.Now().Add(3 * time.Second)
	var buf []Completion
	for len(got) < n {
		require.True(t, time.Now().Before(deadline), "timed out with %d of %d completions", len(got), n)
		var err error
		buf, err = d.Wait(50*time.Millisecond, buf[:0])
		require.NoError(t, err)
		for _, c := range buf {
			got[c.Tag] = c.Res
		}
	}
	return got
}

func TestDriverRecvSend(t *testing.T) {
	for kind, open := range drivers(t) {
		t.Run(string(kind), func(t *testing.T) {
			d := open(t)
			require.Equal(t, kind, d.Kind())
			a, b := socketPair(t)

			in := make([]byte, 16)
			require.NoError(t, d.Submit(Op{Code: OpRecv, Fd: a, Buf: in}, 1))
			require.NoError(t, d.Submit(Op{Code: OpSend, Fd: b, Buf: []byte("hello")}, 2))

			got := reap(t, d, 2)
			require.Equal(t, int32(5), got[1])
			require.Equal(t, int32(5), got[2])
			require.Equal(t, "hello", string(in[:5]))
		})
	}
}

func TestDriverLinkTimeoutFires(t *testing.T) {
	for kind, open := range drivers(t) {
		t.Run(string(kind), func(t *testing.T) {
			d := open(t)
			a, _ := socketPair(t)

			start := time.Now()
			require.NoError(t, d.Submit(Op{Code: OpRecv, Fd: a, Buf: make([]byte, 8), Link: true}, 1))
			require.NoError(t, d.Submit(Op{Code: OpLinkTimeout, Timeout: 20 * time.Millisecond}, 2))

			got := reap(t, d, 2)
			require.Equal(t, -int32(unix.ECANCELED), got[1])
			require.Equal(t, -int32(unix.ETIME), got[2])
			require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
		})
	}
}

func TestDriverLinkedOpWins(t *testing.T) {
	for kind, open := range drivers(t) {
		t.Run(string(kind), func(t *testing.T) {
			d := open(t)
			_, b := socketPair(t)

			require.NoError(t, d.Submit(Op{Code: OpSend, Fd: b, Buf: []byte("x"), Link: true}, 1))
			require.NoError(t, d.Submit(Op{Code: OpLinkTimeout, Timeout: time.Second}, 2))

			got := reap(t, d, 2)
			require.Equal(t, int32(1), got[1])
			require.Equal(t, -int32(unix.ECANCELED), got[2])
		})
	}
}

func TestDriverCancel(t *testing.T) {
	for kind, open := range drivers(t) {
		t.Run(string(kind), func(t *testing.T) {
			d := open(t)
			a, _ := socketPair(t)

			require.NoError(t, d.Submit(Op{Code: OpRecv, Fd: a, Buf: make([]byte, 8)}, 7))
			_, err := d.Wait(0, nil)
			require.NoError(t, err)
			require.NoError(t, d.Cancel(7))

			got := reap(t, d, 1)
			require.Equal(t, -int32(unix.ECANCELED), got[7])
		})
	}
}

func TestDriverReadFileAtOffset(t *testing.T) {
	for kind, open := range drivers(t) {
		t.Run(string(kind), func(t *testing.T) {
			d := open(t)
			path := t.TempDir() + "/data"

			require.NoError(t, d.Submit(Op{Code: OpOpen, Path: path, Flags: unix.O_CREAT | unix.O_RDWR, Mode: 0o600}, 1))
			fd := int(reap(t, d, 1)[1])
			require.GreaterOrEqual(t, fd, 0)

			require.NoError(t, d.Submit(Op{Code: OpWrite, Fd: fd, Buf: []byte("0123456789"), Offset: 0}, 2))
			require.Equal(t, int32(10), reap(t, d, 1)[2])

			buf := make([]byte, 4)
			require.NoError(t, d.Submit(Op{Code: OpRead, Fd: fd, Buf: buf, Offset: 3}, 3))
			require.Equal(t, int32(4), reap(t, d, 1)[3])
			require.Equal(t, "3456", string(buf))

			require.NoError(t, d.Submit(Op{Code: OpClose, Fd: fd}, 4))
			require.Equal(t, int32(0), reap(t, d, 1)[4])
		})
	}
}

func TestEpollUnpairedLinkTimeout(t *testing.T) {
	d, err := newEpollDriver()
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Submit(Op{Code: OpLinkTimeout, Timeout: time.Millisecond}, 9))
	got := reap(t, d, 1)
	require.Equal(t, -int32(unix.EINVAL), got[9])
}

func TestEpollCloseFailsParkedOps(t *testing.T) {
	d, err := newEpollDriver()
	require.NoError(t, err)
	defer d.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	require.NoError(t, d.Submit(Op{Code: OpRecv, Fd: fds[0], Buf: make([]byte, 1)}, 1))
	_, err = d.Wait(0, nil)
	require.NoError(t, err)
	require.NoError(t, d.Submit(Op{Code: OpClose, Fd: fds[0]}, 2))

	got := reap(t, d, 2)
	require.Equal(t, -int32(unix.EBADF), got[1])
	require.Equal(t, int32(0), got[2])
}

func TestOpcodeString(t *testing.T) {
	require.Equal(t, "recv", OpRecv.String())
	require.Equal(t, "link_timeout", OpLinkTimeout.String())
	require.Equal(t, "unknown", Opcode(200).String())
}

func TestCheckOpsReportsMissingOpcodes(t *testing.T) {
	full := &uring.Probe{LastOp: uring.OpSocket, OpsLen: uring.OpSocket + 1}
	for _, op := range requiredOps {
		full.Ops[op] = uring.ProbeOp{Op: op, Flags: 1}
	}
	require.NoError(t, checkOps(full))

	noSocket := *full
	noSocket.Ops[uring.OpSocket].Flags = 0
	err := checkOps(&noSocket)
	require.ErrorIs(t, err, api.ErrNotSupported)
	assert.Contains(t, err.Error(), "45")

	// Older kernels report a shorter table.
	old := *full
	old.LastOp, old.OpsLen = uring.OpRecv+8, uring.OpRecv+9
	require.ErrorIs(t, checkOps(&old), api.ErrNotSupported)
}

func TestProbeMatchesDriverChoice(t *testing.T) {
	ring, err := uring.New(8)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	defer ring.Close()
	probe, err := ring.Probe()
	if err != nil {
		assert.Equal(t, KindEpoll, Available())
		return
	}
	assert.True(t, probe.Supported(uring.OpNop))
	assert.False(t, probe.Supported(probe.OpsLen))
	want := KindUring
	if checkOps(probe) != nil {
		want = KindEpoll
	}
	assert.Equal(t, want, Available())
}
