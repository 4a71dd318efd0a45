// orgloopd is the OrgLoop daemon. It hosts loaded modules, polls their
// sources, serves webhook intake and the loopback control API, and records
// its state under the state directory for CLI discovery.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/orgloop/orgloop/internal/api"
	"github.com/orgloop/orgloop/internal/builtin"
	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/logger"
	"github.com/orgloop/orgloop/internal/runtime"
	"github.com/orgloop/orgloop/internal/statedir"
)

// validateEnv checks that critical environment variables have valid values.
// Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("ORGLOOP_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("ORGLOOP_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}

	if v := os.Getenv("ORGLOOP_DRAIN_TIMEOUT"); v != "" {
		if _, err := config.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Sprintf("ORGLOOP_DRAIN_TIMEOUT=%q: must be a duration (e.g. 10s, 2m) (%v)", v, err))
		}
	}

	return errs
}

// stateDirPath resolves the daemon state directory:
// ORGLOOP_STATE_DIR > ~/.orgloop.
func stateDirPath() string {
	if dir := os.Getenv("ORGLOOP_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orgloop"
	}
	return filepath.Join(home, ".orgloop")
}

// healthcheck probes the running daemon's health endpoint using the port
// recorded in the state directory. Usage: orgloopd healthcheck
func healthcheck() int {
	state, err := statedir.Open(stateDirPath())
	if err != nil {
		return 1
	}
	port, err := state.ReadPort()
	if err != nil {
		return 1
	}
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(healthcheck())
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	state, err := statedir.Open(stateDirPath())
	if err != nil {
		slog.Error("failed to open state directory", "error", err)
		os.Exit(1)
	}
	if state.Alive() {
		slog.Error("another orgloopd appears to be running", "state_dir", state.Path())
		os.Exit(1)
	}
	if err := state.WritePID(); err != nil {
		slog.Error("failed to write pid file", "error", err)
		os.Exit(1)
	}
	defer state.Cleanup()

	dataDir := os.Getenv("ORGLOOP_DATA_DIR")
	if dataDir == "" {
		dataDir = filepath.Join(state.Path(), "data")
	}

	var drainTimeout time.Duration
	if v := os.Getenv("ORGLOOP_DRAIN_TIMEOUT"); v != "" {
		drainTimeout, _ = config.ParseDuration(v)
	}

	rt := runtime.New(runtime.Options{
		Registry:     builtin.Registry(),
		Loggers:      logger.NewRegistry(),
		State:        state,
		DataDir:      dataDir,
		DrainTimeout: drainTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	// Reload the modules that were loaded when the daemon last ran, then any
	// configs named on the command line. Failures degrade to a warning: one
	// broken module config must not keep the daemon down.
	if entries, err := state.Modules(); err == nil {
		for _, entry := range entries {
			if _, err := rt.LoadProject(ctx, entry.ConfigPath, entry.SourceDir); err != nil {
				slog.Warn("failed to restore module", "name", entry.Name, "config", entry.ConfigPath, "error", err)
			}
		}
	}
	for _, configPath := range os.Args[1:] {
		m, err := rt.LoadProject(ctx, configPath, filepath.Dir(configPath))
		if err != nil {
			slog.Error("failed to load module", "config", configPath, "error", err)
			os.Exit(1)
		}
		slog.Info("module loaded", "name", m.Name(), "state", m.State())
	}

	addr := os.Getenv("ORGLOOP_LISTEN_ADDR")
	srv := api.New(api.Options{Runtime: rt, State: state, Addr: addr})
	if err := srv.Start(); err != nil {
		slog.Error("failed to start listener", "error", err)
		os.Exit(1)
	}
	slog.Info("orgloopd started", "port", srv.Port(), "state_dir", state.Path())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case <-rt.ShutdownRequested():
		slog.Info("shutdown requested via control api")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("listener shutdown error", "error", err)
	}
	rt.Stop(shutdownCtx)

	slog.Info("orgloopd shutdown complete")
}
