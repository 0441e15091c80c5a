//go:build windows

package terminal

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// Start launches cfg.Shell in pipe mode. Input is normalized to CRLF because
// cmd.exe and PowerShell do not act on a bare CR without a console.
func Start(cfg Config) (*Terminal, error) {
	return startPipeMode(cfg.withDefaults())
}

func defaultShell() string {
	if comspec := os.Getenv("ComSpec"); comspec != "" {
		return comspec
	}
	return "cmd.exe"
}

func hideWindow(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NO_WINDOW
}

func resizePtmx(*os.File, int, int) error { return nil }
