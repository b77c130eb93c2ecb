// File: cmd/hioload-http/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// hioload-http serves a directory over HTTP/1.1 with range support and
// exposes runtime counters at /stats.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/momentics/hioload-http/adapters"
	"github.com/momentics/hioload-http/control"
	"github.com/momentics/hioload-http/server"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hioload-http: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "TOML configuration file")
	addr := flag.String("addr", "", "bind address (overrides config)")
	port := flag.Int("port", 0, "TCP port (overrides config)")
	loops := flag.Int("loops", 0, "event loops (overrides config)")
	driver := flag.String("driver", "", "completion driver: auto, io_uring or epoll")
	root := flag.String("root", "", "directory to serve (overrides config)")
	prefix := flag.String("prefix", "", "URL prefix of the static files")
	level := flag.String("log-level", "", "log level")
	pretty := flag.Bool("pretty", false, "human readable logs")
	statsEvery := flag.Duration("stats", 0, "log counters at this interval, 0 disables")
	flag.Parse()

	fc := &control.FileConfig{}
	if *configPath != "" {
		var err error
		if fc, err = control.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	overlayFlags(fc, *addr, *port, *loops, *driver, *root, *prefix, *level, *pretty)

	log := control.NewLogger(fc.Log.Level, fc.Log.Pretty)
	tuneRuntime(log)

	cfg := server.DefaultConfig()
	if err := applyFile(cfg, fc); err != nil {
		return err
	}

	ctl := adapters.NewControlAdapter()
	if err := ctl.SetConfig(fc.Flatten()); err != nil {
		return err
	}
	ctl.OnReload(func() {
		lvl, err := zerolog.ParseLevel(fmt.Sprint(ctl.GetConfig()["log.level"]))
		if err == nil && lvl != zerolog.NoLevel {
			zerolog.SetGlobalLevel(lvl)
		}
	})

	mux := server.NewMux()
	staticRoot := fc.Static.Root
	if staticRoot == "" {
		staticRoot = "."
	}
	staticPrefix := strings.TrimSuffix(fc.Static.Prefix, "/")
	mux.HandleFunc("", staticPrefix+"/**", staticHandler(staticRoot))
	mux.HandleFunc("GET", "/stats", statsHandler(ctl))

	srv, err := server.New(cfg, mux,
		server.WithLogger(log),
		server.WithControl(ctl),
		server.WithMiddleware(
			server.LoggingMiddleware(log),
			server.MetricsMiddleware(ctl),
		),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reloadOnHangup(ctx, *configPath, ctl, log)
	if *statsEvery > 0 {
		go logStats(ctx, ctl, *statsEvery, log)
	}

	log.Info().
		Str("addr", cfg.Address).
		Int("port", cfg.Port).
		Int("loops", cfg.Loops).
		Str("root", staticRoot).
		Msg("starting hioload-http")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func overlayFlags(fc *control.FileConfig, addr string, port, loops int, driver, root, prefix, level string, pretty bool) {
	if addr != "" {
		fc.Server.Address = addr
	}
	if port != 0 {
		fc.Server.Port = port
	}
	if loops != 0 {
		fc.Server.Loops = loops
	}
	if driver != "" {
		fc.Server.Driver = driver
	}
	if root != "" {
		fc.Static.Root = root
	}
	if prefix != "" {
		fc.Static.Prefix = prefix
	}
	if level != "" {
		fc.Log.Level = level
	}
	if pretty {
		fc.Log.Pretty = true
	}
}

// tuneRuntime sizes GOMAXPROCS to the CPU quota and GOMEMLIMIT to the
// cgroup memory limit.
func tuneRuntime(log zerolog.Logger) {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("GOMAXPROCS")
	}
	if limit, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		log.Debug().Err(err).Msg("GOMEMLIMIT left unchanged")
	} else {
		log.Debug().Int64("limit", limit).Msg("GOMEMLIMIT")
	}
}

// reloadOnHangup re-reads the config file on SIGHUP into the control
// store. Listener settings need a restart; a log level stricter than the
// startup one applies at once.
func reloadOnHangup(ctx context.Context, path string, ctl *adapters.ControlAdapter, log zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		if path == "" {
			continue
		}
		fc, err := control.LoadConfig(path)
		if err != nil {
			log.Error().Err(err).Msg("reload")
			continue
		}
		if err := ctl.SetConfig(fc.Flatten()); err != nil {
			log.Error().Err(err).Msg("reload")
			continue
		}
		log.Info().Str("config", path).Msg("reloaded")
	}
}

func logStats(ctx context.Context, ctl *adapters.ControlAdapter, every time.Duration, log zerolog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.Info().Fields(ctl.Stats()).Msg("stats")
		}
	}
}
