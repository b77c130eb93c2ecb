//go:build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"fmt"

	"github.com/momentics/hioload-http/api"
)

// New returns an error for unsupported platforms.
func New(kind Kind, entries uint32) (Driver, error) {
	return nil, fmt.Errorf("reactor %s: %w", kind, api.ErrNotSupported)
}

// Available reports that no driver exists on this platform.
func Available() Kind { return "" }
