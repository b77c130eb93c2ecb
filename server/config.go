// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"net/netip"
	"runtime"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/reactor"
)

// Config holds all server-side configuration parameters.
type Config struct {
	Address string // bind address, e.g. "0.0.0.0" or "::"
	Port    int    // TCP port, 0 picks a free one
	Loops   int    // event loops, each with its own acceptor
	Backlog int    // listen backlog

	Driver  reactor.Kind // completion driver
	Entries uint32       // submission queue entries per loop

	AcceptTimeout time.Duration // bound on one accept, 0 waits forever
	ReadTimeout   time.Duration // bound on each receive of a request
	WriteTimeout  time.Duration // bound on each send of a response
	StopTimeout   time.Duration // how long Stop keeps poking the acceptors

	PoolMin      int           // offload pool lower bound
	PoolMax      int           // offload pool upper bound
	PoolInterval time.Duration // offload pool sizing period

	// AcceptLimits caps new connections per peer address: window ->
	// count. Empty disables limiting.
	AcceptLimits map[time.Duration]int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:      "0.0.0.0",
		Port:         28205,
		Loops:        1,
		Backlog:      1024,
		Driver:       reactor.KindAuto,
		Entries:      reactor.DefaultEntries,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		StopTimeout:  10 * time.Second,
		PoolMin:      1,
		PoolMax:      runtime.NumCPU(),
		PoolInterval: time.Second,
	}
}

// bindAddr resolves Address and Port.
func (c *Config) bindAddr() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(c.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bind address %q: %w", c.Address, api.ErrInvalidArgument)
	}
	if c.Port < 0 || c.Port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("port %d: %w", c.Port, api.ErrInvalidArgument)
	}
	return netip.AddrPortFrom(addr, uint16(c.Port)), nil
}

func (c *Config) validate() error {
	if c.Loops <= 0 {
		return fmt.Errorf("loops %d: %w", c.Loops, api.ErrInvalidArgument)
	}
	if c.Backlog <= 0 {
		c.Backlog = 1024
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	_, err := c.bindAddr()
	return err
}
