// File: adapters/executor_adapter.go
// Package adapters provides glue between the worker pool and api.Executor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ExecutorAdapter counts submitted, completed and rejected tasks of any
// api.Executor into a metrics sink.

package adapters

import (
	"github.com/momentics/hioload-http/api"
)

// Counter keys written by ExecutorAdapter.
const (
	MetricTasksSubmitted = "pool.tasks.submitted"
	MetricTasksCompleted = "pool.tasks.completed"
	MetricTasksRejected  = "pool.tasks.rejected"
)

// ExecutorAdapter wraps an executor to report task counters.
type ExecutorAdapter struct {
	exec api.Executor
	sink api.MetricsSink
}

// NewExecutorAdapter wraps exec, reporting into sink.
func NewExecutorAdapter(exec api.Executor, sink api.MetricsSink) *ExecutorAdapter {
	return &ExecutorAdapter{exec: exec, sink: sink}
}

// Submit dispatches a task function to be executed asynchronously.
func (ea *ExecutorAdapter) Submit(task func()) error {
	err := ea.exec.Submit(func() {
		defer ea.sink.Add(MetricTasksCompleted, 1)
		task()
	})
	if err != nil {
		ea.sink.Add(MetricTasksRejected, 1)
		return err
	}
	ea.sink.Add(MetricTasksSubmitted, 1)
	return nil
}

// NumWorkers returns the current number of active worker goroutines.
func (ea *ExecutorAdapter) NumWorkers() int {
	return ea.exec.NumWorkers()
}
