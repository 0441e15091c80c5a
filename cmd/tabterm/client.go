package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"tabterm/internal/ipc"
)

// exitError carries a non-zero exit code reported by the daemon. Its message
// has already been written to stderr.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// sendFunc is replaced in tests.
var sendFunc = ipc.Send

// runClient sends req to the daemon and copies its output.
func runClient(cmd *cobra.Command, req ipc.Request) error {
	resp, err := sendFunc(socketPath, req)
	if err != nil {
		if ipc.IsConnectionError(err) {
			return fmt.Errorf("tabterm daemon is not running (start it with \"tabterm serve\"): %w", err)
		}
		return err
	}
	writeResponse(cmd.OutOrStdout(), cmd.ErrOrStderr(), resp)
	if resp.ExitCode != 0 {
		return &exitError{code: resp.ExitCode}
	}
	return nil
}

func writeResponse(stdout, stderr io.Writer, resp ipc.Response) {
	if resp.Stdout != "" {
		_, _ = io.WriteString(stdout, resp.Stdout)
	}
	if resp.Stderr != "" {
		_, _ = io.WriteString(stderr, resp.Stderr)
	}
}

// clientCommand builds a subcommand that forwards its positional args as-is.
// flagsFn copies the command's local flags into the request.
func clientCommand(use, short string, args cobra.PositionalArgs, flagsFn func(cmd *cobra.Command) map[string]any) *cobra.Command {
	name, _, _ := strings.Cut(use, " ")
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, positional []string) error {
			req := ipc.Request{Command: name, Args: positional, Flags: map[string]any{}}
			if flagsFn != nil {
				req.Flags = flagsFn(cmd)
			}
			return runClient(cmd, req)
		},
	}
}

func stringFlags(names ...string) func(cmd *cobra.Command) map[string]any {
	return func(cmd *cobra.Command) map[string]any {
		flags := map[string]any{}
		for _, name := range names {
			if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
				flags[name] = f.Value.String()
			}
		}
		return flags
	}
}

func boolFlag(name string) func(cmd *cobra.Command) map[string]any {
	return func(cmd *cobra.Command) map[string]any {
		v, _ := cmd.Flags().GetBool(name)
		return map[string]any{name: v}
	}
}

func init() {
	newTab := clientCommand("new-tab", "Open a tab with one pane", cobra.NoArgs, stringFlags("shell", "cwd", "title"))
	newTab.Flags().String("shell", "", "shell for the new pane")
	newTab.Flags().String("cwd", "", "working directory for the new pane")
	newTab.Flags().String("title", "", "tab title")

	split := clientCommand("split", "Split the active pane", cobra.NoArgs, stringFlags("direction"))
	split.Flags().StringP("direction", "d", "vertical", "split direction: vertical (side by side) or horizontal (stacked)")

	sendKeys := clientCommand("send-keys <pane-id> [text...]", "Write text to a pane", cobra.MinimumNArgs(1), boolFlag("enter"))
	sendKeys.Flags().Bool("enter", false, "append a carriage return")

	list := clientCommand("list", "List tabs and panes", cobra.NoArgs, boolFlag("json"))
	list.Flags().Bool("json", false, "print JSON")

	rootCmd.AddCommand(
		newTab,
		clientCommand("close-tab [tab-id]", "Close a tab (default: active)", cobra.MaximumNArgs(1), nil),
		clientCommand("switch-tab <tab-id>", "Make a tab active", cobra.ExactArgs(1), nil),
		clientCommand("rename-tab <tab-id> [title...]", "Rename a tab; an empty title restores the default", cobra.MinimumNArgs(1), nil),
		split,
		clientCommand("close-pane", "Close the active pane", cobra.NoArgs, nil),
		clientCommand("focus-pane <pane-id>", "Focus a pane, switching tabs if needed", cobra.ExactArgs(1), nil),
		clientCommand("select-layout <preset>", "Rearrange the active tab using a layout preset", cobra.ExactArgs(1), nil),
		clientCommand("resize-split <split-id> <first> <second>", "Set the sizes of a split", cobra.ExactArgs(3), nil),
		sendKeys,
		list,
		clientCommand("logs [limit]", "Show recent warnings captured by the daemon", cobra.MaximumNArgs(1), nil),
		clientCommand("info", "Show daemon endpoints as JSON", cobra.NoArgs, nil),
	)
}
