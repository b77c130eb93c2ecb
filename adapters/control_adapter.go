// Package adapters
// Author: momentics <momentics@gmail.com>
//
// Control adapter implementing api.Control and api.MetricsSink using
// control package primitives.

package adapters

import (
	"maps"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/control"
)

// ControlAdapter joins the config store, counters and debug probes behind
// one api.Control.
type ControlAdapter struct {
	config  *control.ConfigStore
	metrics *control.MetricsRegistry
	debug   *control.DebugProbes
}

var (
	_ api.Control     = (*ControlAdapter)(nil)
	_ api.MetricsSink = (*ControlAdapter)(nil)
)

// NewControlAdapter returns an adapter with the platform probes registered.
func NewControlAdapter() *ControlAdapter {
	adapter := &ControlAdapter{
		config:  control.NewConfigStore(),
		metrics: control.NewMetricsRegistry(),
		debug:   control.NewDebugProbes(),
	}
	control.RegisterPlatformProbes(adapter.debug)
	return adapter
}

func (c *ControlAdapter) GetConfig() map[string]any {
	return c.config.GetSnapshot()
}

func (c *ControlAdapter) SetConfig(cfg map[string]any) error {
	c.config.SetConfig(cfg)
	return nil
}

// Stats merges config, counters and probe output. Probe keys get a
// "debug." prefix.
func (c *ControlAdapter) Stats() map[string]any {
	combined := c.config.GetSnapshot()
	maps.Copy(combined, c.metrics.GetSnapshot())
	for k, v := range c.debug.DumpState() {
		combined["debug."+k] = v
	}
	return combined
}

func (c *ControlAdapter) OnReload(fn func()) {
	c.config.OnReload(fn)
}

// Add implements api.MetricsSink.
func (c *ControlAdapter) Add(key string, delta int64) {
	c.metrics.Add(key, delta)
}

// Counter reads one counter.
func (c *ControlAdapter) Counter(key string) int64 {
	return c.metrics.Counter(key)
}

func (c *ControlAdapter) SetMetric(key string, value any) {
	c.metrics.Set(key, value)
}

func (c *ControlAdapter) RegisterDebugProbe(name string, fn func() any) {
	c.debug.RegisterProbe(name, fn)
}

// Debug exposes the probe registry.
func (c *ControlAdapter) Debug() api.Debug { return c.debug }
