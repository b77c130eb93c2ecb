// File: core/concurrency/executor.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pool dispatches closures to worker goroutines. It runs either a fixed
// number of workers or an elastic set resized by a manager goroutine that
// samples Stats and applies a Strategy. Workers sleep on a condition
// variable until there is work, a shrink request or shutdown; a shrink
// request is claimed by exactly one worker through a compare-and-swap on
// the to-delete counter.

package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-http/api"
	"github.com/rs/zerolog"
	"golang.org/x/sys/cpu"
)

// DefaultInterval is the elastic manager's sampling period.
const DefaultInterval = time.Second

// PoolOption customizes NewPool.
type PoolOption func(*Pool)

// WithMinWorkers sets the lower bound of the elastic pool.
func WithMinWorkers(n int) PoolOption {
	return func(p *Pool) { p.min = n }
}

// WithMaxWorkers sets the upper bound of the elastic pool.
func WithMaxWorkers(n int) PoolOption {
	return func(p *Pool) { p.max = n }
}

// WithLogger sets the pool logger.
func WithLogger(log zerolog.Logger) PoolOption {
	return func(p *Pool) { p.log = log }
}

// Pool is a worker pool. It implements api.Executor and
// api.GracefulShutdown.
type Pool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	tasks *queue.Queue
	joinQ []*worker

	_        cpu.CacheLinePad
	live     atomic.Int64
	_        cpu.CacheLinePad
	running  atomic.Int64
	_        cpu.CacheLinePad
	toDelete atomic.Int64
	_        cpu.CacheLinePad

	min, max int
	nextID   int
	started  bool
	stopped  bool

	stopCh      chan struct{}
	managerDone chan struct{}
	wg          sync.WaitGroup
	log         zerolog.Logger
}

var (
	_ api.Executor         = (*Pool)(nil)
	_ api.GracefulShutdown = (*Pool)(nil)
)

type worker struct {
	id   int
	done chan struct{}
}

// NewPool creates a pool with bounds [1, NumCPU] unless overridden. No
// worker runs until RunFixed or RunElastic is called.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		tasks:  queue.New(),
		min:    1,
		max:    runtime.NumCPU(),
		stopCh: make(chan struct{}),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.min = max(p.min, 0)
	p.max = max(p.max, p.min, 1)
	p.cond = sync.NewCond(&p.mu)
	p.log = p.log.With().Str("component", "pool").Logger()
	return p
}

// RunFixed spawns exactly n workers and never resizes.
func (p *Pool) RunFixed(n int) error {
	if n <= 0 {
		return ErrInvalidWorkerCount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.startLocked(); err != nil {
		return err
	}
	p.min, p.max = n, n
	p.spawnLocked(n)
	return nil
}

// RunElastic spawns the minimum number of workers and a manager that
// calls strategy every interval. A nil strategy means DefaultStrategy.
func (p *Pool) RunElastic(strategy Strategy, interval time.Duration) error {
	if strategy == nil {
		strategy = DefaultStrategy
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.mu.Lock()
	if err := p.startLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.spawnLocked(p.min)
	p.managerDone = make(chan struct{})
	p.mu.Unlock()
	go p.manage(strategy, interval)
	return nil
}

func (p *Pool) startLocked() error {
	switch {
	case p.stopped:
		return ErrPoolStopped
	case p.started:
		return ErrAlreadyRunning
	}
	p.started = true
	return nil
}

func (p *Pool) spawnLocked(n int) {
	for range n {
		w := &worker{id: p.nextID, done: make(chan struct{})}
		p.nextID++
		p.live.Add(1)
		p.wg.Add(1)
		go p.work(w)
	}
}

// Submit queues task. Tasks queued before shutdown still run.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	p.tasks.Add(task)
	p.cond.Signal()
	return nil
}

// NumWorkers returns the number of live workers.
func (p *Pool) NumWorkers() int { return int(p.live.Load()) }

// Stats samples the pool. Workers excludes those already asked to exit.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	tasks := p.tasks.Length()
	lo, hi := p.min, p.max
	p.mu.Unlock()
	live := int(p.live.Load() - p.toDelete.Load())
	running := int(p.running.Load())
	return Stats{
		Min:      lo,
		Max:      hi,
		Tasks:    tasks,
		Workers:  live,
		Running:  running,
		Sleeping: max(live-running, 0),
	}
}

func (p *Pool) work(w *worker) {
	defer p.wg.Done()
	defer close(w.done)
	p.mu.Lock()
	for {
		if p.tryDecrementIfPositive() {
			p.exitLocked(w)
			return
		}
		if p.tasks.Length() > 0 {
			task := p.tasks.Remove().(func())
			p.mu.Unlock()
			p.running.Add(1)
			p.execute(w, task)
			p.running.Add(-1)
			p.mu.Lock()
			continue
		}
		if p.stopped {
			p.exitLocked(w)
			return
		}
		p.cond.Wait()
	}
}

func (p *Pool) exitLocked(w *worker) {
	p.joinQ = append(p.joinQ, w)
	p.live.Add(-1)
	p.mu.Unlock()
}

// tryDecrementIfPositive claims one pending shrink request.
func (p *Pool) tryDecrementIfPositive() bool {
	for {
		n := p.toDelete.Load()
		if n <= 0 {
			return false
		}
		if p.toDelete.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (p *Pool) execute(w *worker, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker", w.id).Interface("panic", r).Msg("task panicked")
		}
	}()
	task()
}

// adjust applies a strategy delta, keeping the worker count in [min, max].
func (p *Pool) adjust(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	pending := int(p.toDelete.Load())
	live := int(p.live.Load()) - pending
	target := min(max(live+delta, p.min), p.max)
	switch {
	case target > live:
		grow := target - live
		reclaim := min(grow, pending)
		p.toDelete.Add(-int64(reclaim))
		p.spawnLocked(grow - reclaim)
	case target < live:
		p.toDelete.Add(int64(live - target))
		p.cond.Broadcast()
	default:
		return
	}
	p.log.Debug().Int("from", live).Int("to", target).Msg("pool resized")
}

func (p *Pool) manage(strategy Strategy, interval time.Duration) {
	defer close(p.managerDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reap()
			if delta := strategy(p.Stats()); delta != 0 {
				p.adjust(delta)
			}
		}
	}
}

// reap joins workers that exited.
func (p *Pool) reap() {
	p.mu.Lock()
	exited := p.joinQ
	p.joinQ = nil
	p.mu.Unlock()
	for _, w := range exited {
		<-w.done
	}
}

// Shutdown stops the pool: workers are woken, the manager is joined first,
// then every worker once the queue is drained, then the exit queue.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.cond.Broadcast()
	managerDone := p.managerDone
	p.mu.Unlock()

	close(p.stopCh)
	if managerDone != nil {
		<-managerDone
	}
	p.wg.Wait()
	p.reap()
	return nil
}
