//go:build linux

package coro

import (
	"errors"
	"testing"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop(WithDriverKind(reactor.KindEpoll))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

type goExecutor struct{}

func (goExecutor) Submit(fn func()) error { go fn(); return nil }
func (goExecutor) NumWorkers() int        { return 1 }

func TestTimersFireInDeadlineOrder(t *testing.T) {
	l := newLoop(t)
	base := time.Now().Add(20 * time.Millisecond)
	type fired struct {
		name string
		at   time.Time
		want time.Time
	}
	var got []fired
	add := func(name string, at time.Time) {
		l.Spawn(NewTask(l, func() (struct{}, error) {
			_, err := l.SleepUntil(at).Await()
			got = append(got, fired{name, time.Now(), at})
			return struct{}{}, err
		}))
	}
	add("c", base.Add(30*time.Millisecond))
	add("a", base)
	add("b1", base.Add(10*time.Millisecond))
	add("b2", base.Add(10*time.Millisecond))

	require.NoError(t, l.Run())
	require.Len(t, got, 4)
	names := make([]string, len(got))
	for i, f := range got {
		names[i] = f.name
		assert.False(t, f.at.Before(f.want), "timer %s fired early", f.name)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, names)
}

func TestAwaitPropagatesValueAndError(t *testing.T) {
	l := newLoop(t)
	boom := errors.New("boom")
	v, err := Run(l, func() (int, error) {
		n, err := NewTask(l, func() (int, error) { return 41, nil }).Await()
		if err != nil {
			return 0, err
		}
		_, err = NewTask(l, func() (int, error) { return 0, boom }).Await()
		if !errors.Is(err, boom) {
			return 0, errors.New("child error lost")
		}
		return n + 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPanicIsCapturedAndReraised(t *testing.T) {
	l := newLoop(t)
	child := NewTask(l, func() (int, error) { panic("kaboom") })
	_, err := Run(l, func() (int, error) { return child.Await() })
	var pe *api.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	_, again := child.Result()
	assert.Equal(t, err, again)
}

func TestRootErrorStopsLoop(t *testing.T) {
	l := newLoop(t)
	boom := errors.New("root failed")
	l.Spawn(NewTask(l, func() (struct{}, error) { return struct{}{}, boom }))
	l.Spawn(NewTask(l, func() (struct{}, error) {
		_, err := l.Sleep(time.Hour).Await()
		return struct{}{}, err
	}))
	require.ErrorIs(t, l.Run(), boom)
}

func TestResultOfUnfinishedTask(t *testing.T) {
	l := newLoop(t)
	task := NewTask(l, func() (int, error) { return 1, nil })
	_, err := task.Result()
	require.ErrorIs(t, err, api.ErrResultEmpty)
	assert.False(t, task.Done())
}

func TestRaceSynchronousWinnerSkipsLastOperand(t *testing.T) {
	l := newLoop(t)
	slowStarted := false
	out, err := Run(l, func() (Choice[int], error) {
		fast := NewTask(l, func() (int, error) { return 7, nil })
		slow := NewTask(l, func() (int, error) {
			slowStarted = true
			_, err := l.Sleep(time.Hour).Await()
			return 0, err
		})
		return Race(fast, slow)
	})
	require.NoError(t, err)
	assert.Equal(t, Choice[int]{Index: 0, Value: 7}, out)
	assert.False(t, slowStarted)
	_, timers := l.Pending()
	assert.Zero(t, timers)
}

func TestRaceLaterOperandWinsAndLosersAreDestroyed(t *testing.T) {
	l := newLoop(t)
	cleaned := 0
	sleeper := func(d time.Duration) *Task[time.Duration] {
		return NewTask(l, func() (time.Duration, error) {
			defer func() { cleaned++ }()
			_, err := l.Sleep(d).Await()
			return d, err
		})
	}
	start := time.Now()
	out, err := Run(l, func() (Choice[time.Duration], error) {
		return Race(sleeper(time.Hour), sleeper(10*time.Millisecond), sleeper(time.Hour))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Index)
	assert.Equal(t, 10*time.Millisecond, out.Value)
	assert.Equal(t, 3, cleaned)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestRaceAgainstZeroLinkTimeout(t *testing.T) {
	l := newLoop(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	out, err := Run(l, func() (Either[int, int], error) {
		recv := l.Submit(reactor.Op{Code: reactor.OpRecv, Fd: fds[0], Buf: make([]byte, 4), Link: true})
		return Race2(recv, l.LinkTimeout(0))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Index)
	ops, _ := l.Pending()
	assert.Zero(t, ops)
}

func TestTimedRecvAndSend(t *testing.T) {
	l := newLoop(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	got, err := Run(l, func() (string, error) {
		_, err := l.RecvTimeout(fds[0], make([]byte, 4), 0, 5*time.Millisecond).Await()
		if !errors.Is(err, api.ErrOperationTimeout) {
			return "", errors.New("expected timeout")
		}
		if _, err := l.SendTimeout(fds[1], []byte("ping"), 0, time.Second).Await(); err != nil {
			return "", err
		}
		buf := make([]byte, 4)
		n, err := l.RecvTimeout(fds[0], buf, 0, time.Second).Await()
		return string(buf[:n]), err
	})
	require.NoError(t, err)
	assert.Equal(t, "ping", got)
}

func TestDestroyRunsNestedCleanup(t *testing.T) {
	l := newLoop(t)
	var trace []string
	victim := NewTask(l, func() (struct{}, error) {
		defer func() { trace = append(trace, "outer") }()
		return NewTask(l, func() (struct{}, error) {
			defer func() { trace = append(trace, "inner") }()
			return l.Sleep(time.Hour).Await()
		}).Await()
	})
	l.Spawn(victim)
	l.Spawn(NewTask(l, func() (struct{}, error) {
		_, err := l.Sleep(5 * time.Millisecond).Await()
		victim.Destroy()
		victim.Destroy()
		return struct{}{}, err
	}))
	require.NoError(t, l.Run())
	assert.Equal(t, []string{"inner", "outer"}, trace)
	assert.True(t, victim.Done())
	_, timers := l.Pending()
	assert.Zero(t, timers)
}

func TestOffloadResumesOnLoop(t *testing.T) {
	l := newLoop(t)
	v, err := Run(l, func() (int, error) {
		a, err := Offload(l, goExecutor{}, func() (int, error) {
			time.Sleep(5 * time.Millisecond)
			return 20, nil
		}).Await()
		if err != nil {
			return 0, err
		}
		_, err = Offload(l, goExecutor{}, func() (int, error) { panic("worker") }).Await()
		var pe *api.PanicError
		if !errors.As(err, &pe) {
			return 0, errors.New("panic not propagated")
		}
		return a + 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 21, v)
}

func TestPostAfterCloseFails(t *testing.T) {
	l, err := NewLoop(WithDriverKind(reactor.KindEpoll))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.ErrorIs(t, l.Post(func() {}), api.ErrLoopClosed)
	require.NoError(t, l.Close())
}

func TestAwaitOutsideTaskPanics(t *testing.T) {
	l := newLoop(t)
	task := NewTask(l, func() (int, error) { return 0, nil })
	assert.Panics(t, func() { task.Await() })
}

func TestCleanupMayAwaitWhileUnwinding(t *testing.T) {
	l := newLoop(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	var closeRes, recvRes int
	var slept bool
	victim := NewTask(l, func() (struct{}, error) {
		defer func() {
			recvRes, _ = l.Recv(fds[0], make([]byte, 1), 0).Await()
			_, err := l.Sleep(time.Hour).Await()
			slept = err == nil
			closeRes, _ = l.CloseFD(fds[0]).Await()
		}()
		return l.Sleep(time.Hour).Await()
	})
	l.Spawn(victim)
	l.Spawn(NewTask(l, func() (struct{}, error) {
		_, err := l.Nop().Await()
		victim.Destroy()
		return struct{}{}, err
	}))
	require.NoError(t, l.Run())
	assert.True(t, victim.Done())
	assert.Equal(t, -int(unix.ECANCELED), recvRes)
	assert.Equal(t, -int(unix.ECANCELED), closeRes)
	assert.True(t, slept)
	ops, timers := l.Pending()
	assert.Zero(t, ops)
	assert.Zero(t, timers)
}
