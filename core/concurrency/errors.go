// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import (
	"errors"

	"github.com/momentics/hioload-http/api"
)

var (
	// ErrPoolStopped is returned by Submit after Shutdown.
	ErrPoolStopped = api.ErrPoolStopped

	// ErrAlreadyRunning indicates RunFixed or RunElastic was called twice.
	ErrAlreadyRunning = errors.New("worker pool already running")

	// ErrInvalidWorkerCount indicates invalid worker count configuration
	ErrInvalidWorkerCount = errors.New("invalid worker count")
)
