package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStrategy(t *testing.T) {
	cases := []struct {
		name string
		in   Stats
		want int
	}{
		{"idle shrinks to min", Stats{Min: 2, Max: 8, Tasks: 0, Workers: 8, Running: 0, Sleeping: 8}, -6},
		{"idle quarter dominates", Stats{Min: 0, Max: 32, Tasks: 0, Workers: 4, Running: 0, Sleeping: 40}, -10},
		{"busy with short queue keeps", Stats{Min: 2, Max: 8, Tasks: 1, Workers: 4, Running: 3, Sleeping: 1}, 0},
		{"backlog grows by two", Stats{Min: 1, Max: 8, Tasks: 10, Workers: 4, Running: 4, Sleeping: 0}, 2},
		{"backlog near max", Stats{Min: 1, Max: 5, Tasks: 10, Workers: 4, Running: 4, Sleeping: 0}, 1},
		{"backlog with sleepers", Stats{Min: 1, Max: 8, Tasks: 10, Workers: 4, Running: 3, Sleeping: 1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DefaultStrategy(tc.in))
		})
	}
}

func TestAdjustStaysWithinBounds(t *testing.T) {
	p := NewPool(WithMinWorkers(2), WithMaxWorkers(6))
	require.NoError(t, p.RunElastic(func(Stats) int { return 0 }, time.Hour))
	defer p.Shutdown()

	for _, delta := range []int{5, -1, 9, -20, 3, 3, -4, 1, -1, 100, -100} {
		p.adjust(delta)
		s := p.Stats()
		require.GreaterOrEqual(t, s.Workers, 2, "delta %d", delta)
		require.LessOrEqual(t, s.Workers, 6, "delta %d", delta)
		require.LessOrEqual(t, p.NumWorkers(), 6, "delta %d", delta)
		require.GreaterOrEqual(t, p.NumWorkers(), 2, "delta %d", delta)
	}
	require.Eventually(t, func() bool { return p.NumWorkers() == 2 }, 2*time.Second, time.Millisecond)
}

func TestElasticGrowsThenConvergesToMin(t *testing.T) {
	p := NewPool(WithMinWorkers(1), WithMaxWorkers(6))
	require.NoError(t, p.RunElastic(DefaultStrategy, 2*time.Millisecond))
	defer p.Shutdown()

	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			<-release
		}))
	}
	require.Eventually(t, func() bool { return p.NumWorkers() > 1 }, 2*time.Second, time.Millisecond)
	require.LessOrEqual(t, p.NumWorkers(), 6)
	close(release)
	wg.Wait()
	require.Eventually(t, func() bool { return p.NumWorkers() <= 1 }, 2*time.Second, time.Millisecond)
}

func TestFutureResults(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.RunFixed(2))
	defer p.Shutdown()

	v, err := Go(p, func() (int, error) { return 42, nil }).Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = Go(p, func() (int, error) { return 0, boom }).Get()
	require.ErrorIs(t, err, boom)

	f := Go(p, func() (int, error) { panic("worker exploded") })
	<-f.Done()
	_, err = f.Get()
	var pe *api.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "worker exploded", pe.Value)
}

func TestShutdownDrainsQueue(t *testing.T) {
	p := NewPool()
	var ran atomic.Int64
	for range 100 {
		require.NoError(t, p.Submit(func() { ran.Add(1) }))
	}
	require.NoError(t, p.RunFixed(3))
	require.NoError(t, p.Shutdown())
	assert.Equal(t, int64(100), ran.Load())
	assert.Zero(t, p.NumWorkers())

	require.ErrorIs(t, p.Submit(func() {}), ErrPoolStopped)
	_, err := Go(p, func() (int, error) { return 1, nil }).Get()
	require.ErrorIs(t, err, ErrPoolStopped)
	require.NoError(t, p.Shutdown())
}

func TestRunTwice(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.RunFixed(1))
	defer p.Shutdown()
	require.ErrorIs(t, p.RunFixed(1), ErrAlreadyRunning)
	require.ErrorIs(t, p.RunElastic(nil, 0), ErrAlreadyRunning)
	require.ErrorIs(t, NewPool().RunFixed(0), ErrInvalidWorkerCount)
}

func TestPanickingTaskKeepsWorker(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.RunFixed(1))
	defer p.Shutdown()
	require.NoError(t, p.Submit(func() { panic("ignored") }))
	v, err := Go(p, func() (string, error) { return "alive", nil }).Get()
	require.NoError(t, err)
	assert.Equal(t, "alive", v)
	assert.Equal(t, 1, p.NumWorkers())
}
