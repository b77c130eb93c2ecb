// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the completion-style I/O driver abstraction used
// by event loops, with an io_uring implementation and an epoll-based
// proactor emulation for kernels or sandboxes where io_uring is unavailable.
package reactor
