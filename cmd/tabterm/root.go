package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	configPath string
	socketPath string
	debugMode  bool

	version_  string
	commit_   string
	buildDate string
)

// SetVersionInfo sets version information from ldflags.
func SetVersionInfo(v, c, d string) {
	version_, commit_, buildDate = v, c, d
}

var rootCmd = &cobra.Command{
	Use:   "tabterm",
	Short: "Tabbed terminal workspace daemon and control client",
	Long: `tabterm keeps a workspace of tabs, each holding a tree of split panes
backed by shell sessions. "tabterm serve" runs the daemon; the other
subcommands control a running daemon over its local socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/tabterm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket (default per-user, or $TABTERM_SOCKET)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = version_
	rootCmd.SetVersionTemplate(versionTemplate())
	return rootCmd.Execute()
}

func versionTemplate() string {
	if commit_ != "none" && commit_ != "" {
		return fmt.Sprintf("tabterm %s\n  commit: %s\n  built:  %s\n", version_, commit_, buildDate)
	}
	return fmt.Sprintf("tabterm %s\n", version_)
}
