// File: cmd/hioload-http/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/control"
	"github.com/momentics/hioload-http/reactor"
	"github.com/momentics/hioload-http/server"
)

// applyFile overlays the non-zero values of fc on cfg.
func applyFile(cfg *server.Config, fc *control.FileConfig) error {
	s := fc.Server
	if s.Address != "" {
		cfg.Address = s.Address
	}
	if s.Port != 0 {
		cfg.Port = s.Port
	}
	if s.Loops != 0 {
		cfg.Loops = s.Loops
	}
	if s.Driver != "" {
		kind, err := parseDriver(s.Driver)
		if err != nil {
			return err
		}
		cfg.Driver = kind
	}
	if s.Entries != 0 {
		cfg.Entries = s.Entries
	}
	if s.AcceptTimeout.Duration != 0 {
		cfg.AcceptTimeout = s.AcceptTimeout.Duration
	}
	if s.ReadTimeout.Duration != 0 {
		cfg.ReadTimeout = s.ReadTimeout.Duration
	}
	if s.WriteTimeout.Duration != 0 {
		cfg.WriteTimeout = s.WriteTimeout.Duration
	}
	limits, err := s.ParseLimits()
	if err != nil {
		return err
	}
	if limits != nil {
		cfg.AcceptLimits = limits
	}

	p := fc.Pool
	if p.Min != 0 {
		cfg.PoolMin = p.Min
	}
	if p.Max != 0 {
		cfg.PoolMax = p.Max
	}
	if p.Interval.Duration != 0 {
		cfg.PoolInterval = p.Interval.Duration
	}
	if cfg.PoolMin > cfg.PoolMax {
		return fmt.Errorf("pool min %d > max %d: %w", cfg.PoolMin, cfg.PoolMax, api.ErrInvalidArgument)
	}
	return nil
}

func parseDriver(name string) (reactor.Kind, error) {
	switch k := reactor.Kind(name); k {
	case reactor.KindAuto, reactor.KindUring, reactor.KindEpoll:
		return k, nil
	}
	return "", fmt.Errorf("driver %q: %w", name, api.ErrInvalidArgument)
}
