// Command engine-daemon runs the engine's background process: the
// orchestrator worker pool, retry scheduler, reconciling GC and the
// Unix-socket RPC surface the enginectl CLI talks to.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/simpleflo/ragengine/internal/config"
	"github.com/simpleflo/ragengine/internal/daemon"
	"github.com/simpleflo/ragengine/internal/observability"
	"github.com/simpleflo/ragengine/internal/store"
)

const (
	exitOK             = 0
	exitConfigError    = 2
	exitStoreInitError = 3
	exitSchemaMismatch = 4
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "engine-daemon",
		Short: "Retrieval-augmented ingestion and search engine daemon",
		RunE:  runDaemon,
	}

	rootCmd.Flags().String("data-dir", "", "Data directory (default: ~/.ragengine)")
	rootCmd.Flags().String("socket", "", "Unix socket path (default: <data-dir>/engine.sock)")
	rootCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().String("log-format", "", "Log format: json, console")
	rootCmd.Flags().Bool("foreground", true, "Run in foreground (always true; kept for CLI parity)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return exitErr{exitConfigError, fmt.Errorf("load config: %w", err)}
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("socket"); v != "" {
		cfg.SocketPath = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}

	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	d, err := daemon.New(cfg)
	if err != nil {
		if errors.Is(err, store.ErrDimensionMismatch) {
			return exitErr{exitSchemaMismatch, err}
		}
		return exitErr{exitStoreInitError, fmt.Errorf("create daemon: %w", err)}
	}

	if err := d.Run(); err != nil {
		return exitErr{exitStoreInitError, err}
	}
	return nil
}

// exitErr carries the process exit code a failure should produce, since
// cobra's RunE only gives us the error and main needs the code back out.
type exitErr struct {
	code int
	err  error
}

func (e exitErr) Error() string { return e.err.Error() }
func (e exitErr) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ee exitErr
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
