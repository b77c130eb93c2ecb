// File: client/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"time"

	"github.com/momentics/hioload-http/reactor"
	"github.com/rs/zerolog"
)

// Config holds client parameters.
type Config struct {
	Timeout   time.Duration // bounds connect, each send and each receive
	Workers   int           // pool workers running Get/Post
	Driver    reactor.Kind  // completion driver of the client loop
	Entries   uint32        // submission queue entries
	UserAgent string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:   5 * time.Second,
		Workers:   1,
		Driver:    reactor.KindAuto,
		Entries:   64,
		UserAgent: "hioload-http/1.0",
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout sets the per-operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.cfg.Timeout = d }
}

// WithWorkers sets the number of pool workers.
func WithWorkers(n int) Option {
	return func(c *Client) { c.cfg.Workers = n }
}

// WithDriver selects the completion driver.
func WithDriver(kind reactor.Kind) Option {
	return func(c *Client) { c.cfg.Driver = kind }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.cfg.UserAgent = ua }
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}
