package terminal

import (
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const (
	defaultCols = 80
	defaultRows = 24

	// defaultTerm is exported to shells that do not inherit a TERM.
	defaultTerm = "xterm-256color"
)

// Config configures a terminal process.
type Config struct {
	Shell   string
	Args    []string
	Dir     string
	Env     []string
	Columns int
	Rows    int
}

func (cfg Config) withDefaults() Config {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell()
	}
	if cfg.Columns <= 0 {
		cfg.Columns = defaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = defaultRows
	}
	cfg.Env = withTerm(cfg.Env)
	return cfg
}

// withTerm returns env (or the process environment when env is empty) with
// TERM set, keeping an explicit TERM untouched.
func withTerm(env []string) []string {
	if len(env) == 0 {
		env = os.Environ()
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			return env
		}
	}
	out := make([]string, 0, len(env)+1)
	out = append(out, env...)
	return append(out, "TERM="+defaultTerm)
}

// Terminal wraps one shell process, attached to a PTY when the platform
// provides one and to plain pipes otherwise.
type Terminal struct {
	mu       sync.RWMutex
	cmd      *exec.Cmd
	ptmx     *os.File       // PTY master; nil in pipe mode
	stdin    io.WriteCloser // pipe mode
	stdout   io.ReadCloser  // pipe mode
	stderr   io.ReadCloser  // pipe mode
	closed   bool
	closeErr error
}

// startPipeMode starts cfg without a PTY.
// SECURITY: cfg.Shell comes from validated configuration, never from pane input.
func startPipeMode(cfg Config) (*Terminal, error) {
	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	hideWindow(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, err
	}
	return &Terminal{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}
