package terminal

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// ErrClosed is returned by operations on a closed terminal.
var ErrClosed = errors.New("terminal closed")

// PID returns the shell process id, or 0 before start.
func (t *Terminal) PID() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// IsClosed reports whether Close has been called.
func (t *Terminal) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Write sends input bytes to the shell.
func (t *Terminal) Write(data []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, ErrClosed
	}
	if t.ptmx != nil {
		n, err := t.ptmx.Write(data)
		if err != nil {
			slog.Warn("[WARN-TERMINAL] pty write failed", "error", err, "dataLen", len(data))
		}
		return n, err
	}
	if t.stdin == nil {
		return 0, errors.New("terminal stdin unavailable")
	}
	n, err := t.stdin.Write(normalizePipeInput(data))
	if err != nil {
		slog.Warn("[WARN-TERMINAL] stdin write failed", "error", err, "dataLen", len(data))
	}
	return n, err
}

// Resize updates the PTY window size. Pipe mode accepts and ignores it.
func (t *Terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errors.New("invalid size")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	if t.ptmx != nil {
		return resizePtmx(t.ptmx, cols, rows)
	}
	return nil
}

// ReadLoop delivers output to onData until the shell exits or the terminal
// is closed. onData must not retain the slice.
func (t *Terminal) ReadLoop(onData func([]byte)) {
	if onData == nil {
		return
	}
	t.mu.RLock()
	file := t.ptmx
	stdout := t.stdout
	stderr := t.stderr
	t.mu.RUnlock()

	if file != nil {
		readSource(file, onData)
		return
	}

	// stdout and stderr share onData; serialize so callers see one writer.
	var mu sync.Mutex
	locked := func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		onData(p)
	}
	var wg sync.WaitGroup
	for _, src := range []io.Reader{stdout, stderr} {
		if src == nil {
			continue
		}
		wg.Go(func() { readSource(src, locked) })
	}
	wg.Wait()
}

func readSource(reader io.Reader, onData func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			onData(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("[DEBUG-TERMINAL] read loop ended", "error", err)
			}
			return
		}
	}
}

// normalizePipeInput turns a bare CR into CRLF for shells reading plain pipes.
func normalizePipeInput(data []byte) []byte {
	hasCR := false
	for _, b := range data {
		if b == '\r' {
			hasCR = true
			break
		}
	}
	if !hasCR {
		return data
	}

	out := make([]byte, 0, len(data)+8)
	for i, b := range data {
		out = append(out, b)
		if b == '\r' && (i+1 >= len(data) || data[i+1] != '\n') {
			out = append(out, '\n')
		}
	}
	return out
}

// Close kills the shell and releases its PTY or pipes. It is idempotent and
// returns the first error of the initial call on every call.
func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return t.closeErr
	}
	t.closed = true

	var firstErr error
	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Debug("[DEBUG-TERMINAL] process kill during close failed", "error", err)
		}
	}
	for _, c := range []io.Closer{t.stdin, t.stdout, t.stderr} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil && !errors.Is(err, os.ErrClosed) {
			firstErr = err
		}
	}
	if t.ptmx != nil {
		if err := t.ptmx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.cmd != nil && t.cmd.Process != nil {
		// Reap the child; its exit status after Kill is not interesting.
		go func(cmd *exec.Cmd) { _ = cmd.Wait() }(t.cmd)
	}
	t.closeErr = firstErr
	return firstErr
}
