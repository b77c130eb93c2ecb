// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package coro implements single-threaded cooperative tasks driven by a
// completion-queue event loop.
//
// A Task is a lazily started unit of work with one owner. Awaiting a task
// transfers control to it and the task hands control back to its awaiter
// when it finishes. Exactly one task runs per Loop at any instant; control
// only moves at Await, Race, timer, I/O and offload suspension points.
//
// Every Loop is owned by the goroutine that calls Run. Other goroutines
// reach a loop only through Post.
package coro
