// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics, logging and debug introspection layer
// for hioload-http.
//
// Provides concurrent-safe state handling primitives including:
//   - Snapshot config reads with reload listeners
//   - TOML configuration files
//   - Atomic counters for the server and worker pool
//   - Debug probes and the process logger
package control
