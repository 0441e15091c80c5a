//go:build !windows

package terminal

import (
	"errors"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Start launches cfg.Shell on a new PTY, falling back to pipe mode when the
// platform has no PTY support.
func Start(cfg Config) (*Terminal, error) {
	cfg = cfg.withDefaults()

	// SECURITY: cfg.Shell comes from validated configuration, never from pane input.
	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cfg.Columns),
		Rows: uint16(cfg.Rows),
	})
	if err == nil {
		return &Terminal{cmd: cmd, ptmx: ptmx}, nil
	}
	if !errors.Is(err, pty.ErrUnsupported) {
		return nil, err
	}
	return startPipeMode(cfg)
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func hideWindow(*exec.Cmd) {}
