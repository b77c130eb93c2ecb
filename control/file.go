// File: control/file.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TOML configuration file for the hioload-http binary.

package control

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/momentics/hioload-http/api"
)

// Duration reads "30s"-style strings from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// FileConfig mirrors the configuration file layout. Zero values mean
// "keep the default".
type FileConfig struct {
	Server ServerSection `toml:"server"`
	Pool   PoolSection   `toml:"pool"`
	Log    LogSection    `toml:"log"`
	Static StaticSection `toml:"static"`
}

// ServerSection configures listeners and connection timeouts.
type ServerSection struct {
	Address       string   `toml:"address"`
	Port          int      `toml:"port"`
	Loops         int      `toml:"loops"`
	Driver        string   `toml:"driver"`
	Entries       uint32   `toml:"entries"`
	AcceptTimeout Duration `toml:"accept_timeout"`
	ReadTimeout   Duration `toml:"read_timeout"`
	WriteTimeout  Duration `toml:"write_timeout"`
	// AcceptLimits maps a window such as "1s" to the number of
	// connections one peer address may open within it.
	AcceptLimits map[string]int `toml:"accept_limits"`
}

// PoolSection sizes the offload worker pool.
type PoolSection struct {
	Min      int      `toml:"min"`
	Max      int      `toml:"max"`
	Interval Duration `toml:"interval"`
}

// LogSection configures the process logger.
type LogSection struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// StaticSection configures the bundled static file server.
type StaticSection struct {
	Root   string `toml:"root"`
	Prefix string `toml:"prefix"`
}

// LoadConfig decodes a TOML file. Unknown keys are rejected so typos do not
// pass silently.
func LoadConfig(path string) (*FileConfig, error) {
	var cfg FileConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown key %q: %w", path, undecoded[0].String(), api.ErrInvalidArgument)
	}
	return &cfg, nil
}

// ParseLimits converts AcceptLimits into windows.
func (s ServerSection) ParseLimits() (map[time.Duration]int, error) {
	if len(s.AcceptLimits) == 0 {
		return nil, nil
	}
	out := make(map[time.Duration]int, len(s.AcceptLimits))
	for k, v := range s.AcceptLimits {
		d, err := time.ParseDuration(k)
		if err != nil {
			return nil, fmt.Errorf("accept limit window %q: %w", k, err)
		}
		out[d] = v
	}
	return out, nil
}

// Flatten exposes the file as ConfigStore keys.
func (c *FileConfig) Flatten() map[string]any {
	return map[string]any{
		"server.address":        c.Server.Address,
		"server.port":           c.Server.Port,
		"server.loops":          c.Server.Loops,
		"server.driver":         c.Server.Driver,
		"server.read_timeout":   c.Server.ReadTimeout.String(),
		"server.write_timeout":  c.Server.WriteTimeout.String(),
		"server.accept_timeout": c.Server.AcceptTimeout.String(),
		"pool.min":              c.Pool.Min,
		"pool.max":              c.Pool.Max,
		"log.level":             c.Log.Level,
		"static.root":           c.Static.Root,
	}
}
