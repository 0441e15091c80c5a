package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tabterm/internal/config"
	"tabterm/internal/sessionlog"
)

// logLevel is shared by the stderr handler so config reloads can change it.
var logLevel = new(slog.LevelVar)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workspace daemon",
	Long: `Run the workspace daemon in the foreground. The daemon opens one tab,
listens on the control socket for commands and streams pane output to a
renderer over WebSocket. It exits on SIGINT or SIGTERM, closing every
session first.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// setupLogging installs the default logger and returns the ring that keeps
// recent warnings for the logs command.
func setupLogging(level slog.Level) *sessionlog.Ring {
	logLevel.Set(level)
	if debugMode {
		logLevel.Set(slog.LevelDebug)
	}
	ring := sessionlog.NewRing(0)
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(sessionlog.NewTeeHandler(base, slog.LevelWarn, ring)))
	return ring
}

func runServe(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.EnsureFile(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	ring := setupLogging(cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := newDaemon(ctx, daemonOptions{
		Config:     cfg,
		ConfigPath: path,
		Socket:     socketPath,
		Logs:       ring,
	})
	if err := d.start(ctx); err != nil {
		return errors.Join(err, d.shutdown())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "tabterm listening on %s (renderer %s)\n", d.ipc.Address(), d.hub.URL())

	<-ctx.Done()
	slog.Info("[DEBUG-LIFECYCLE] shutdown requested")
	return d.shutdown()
}
