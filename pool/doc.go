// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer reuse for the HTTP engine. Fixed-size byte buffers are kept in
// sync.Pool backed pools, one per size class, shared by every event loop.
// See bytepool.go and bufferpool.go for implementation details.
package pool
