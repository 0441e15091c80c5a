// Package ptyservice is the session.Service that backs panes with real shell
// processes. Handles are random UUIDs; output is batched and handed to a
// single sink.
package ptyservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabterm/internal/session"
	"tabterm/internal/terminal"
	"tabterm/internal/workerutil"
)

// ErrClosed is returned by Create after Close.
var ErrClosed = errors.New("pty service closed")

// Process is a running shell as seen by the service. *terminal.Terminal
// implements it.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	ReadLoop(onData func([]byte))
	Close() error
	PID() int
}

// StartFunc starts a Process for cfg.
type StartFunc func(cfg terminal.Config) (Process, error)

// Options configures a Service. Zero fields take defaults.
type Options struct {
	// OnOutput receives batched output. It is called from one goroutine at a time.
	OnOutput func(handle session.Handle, data []byte)
	// OnExit is called once when a session's shell exits on its own. It is
	// not called for sessions ended by Destroy or Close.
	OnExit func(handle session.Handle)

	FlushInterval time.Duration
	MaxBatchBytes int

	// Start overrides how processes are launched.
	Start StartFunc
}

// Service implements session.Service and session.IO over terminal processes.
type Service struct {
	mu     sync.Mutex
	procs  map[session.Handle]Process
	// gone holds handles whose shell exited by itself and that have not
	// been destroyed yet. Their pane is still in the layout.
	gone   map[session.Handle]struct{}
	closed bool

	start   StartFunc
	onExit  func(session.Handle)
	output  *outputBatcher
	workers *workerutil.Group
}

var (
	_ session.Service = (*Service)(nil)
	_ session.IO      = (*Service)(nil)
)

// New starts a Service whose background workers live until Close or until
// ctx is done.
func New(ctx context.Context, opts Options) *Service {
	start := opts.Start
	if start == nil {
		start = func(cfg terminal.Config) (Process, error) { return terminal.Start(cfg) }
	}
	s := &Service{
		procs:  map[session.Handle]Process{},
		gone:   map[session.Handle]struct{}{},
		start:  start,
		onExit: opts.OnExit,
		output: newOutputBatcher(opts.FlushInterval, opts.MaxBatchBytes, opts.OnOutput),
		workers: workerutil.NewGroup(ctx, workerutil.Policy{
			OnGiveUp: func(worker string) {
				slog.Error("[WARN-PANE] session worker disabled after repeated panics", "worker", worker)
			},
		}),
	}
	s.workers.Go("output-flush", s.output.run)
	return s
}

// Create implements session.Service.
func (s *Service) Create(ctx context.Context, opts session.CreateOptions) (session.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	proc, err := s.start(terminal.Config{
		Shell:   opts.Shell,
		Dir:     opts.WorkingDir,
		Columns: opts.Cols,
		Rows:    opts.Rows,
	})
	if err != nil {
		return "", fmt.Errorf("start shell: %w", err)
	}
	handle := session.Handle(uuid.NewString())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeQuietly(handle, proc)
		return "", ErrClosed
	}
	s.procs[handle] = proc
	s.mu.Unlock()

	s.workers.Go("pty-read:"+string(handle), func(context.Context) {
		proc.ReadLoop(func(p []byte) { s.output.add(handle, p) })
		s.exited(handle, proc)
	})
	slog.Debug("[DEBUG-LIFECYCLE] session started", "handle", handle, "pid", proc.PID(), "shell", opts.Shell)
	return handle, nil
}

// exited runs after a read loop ends. When the session is still registered
// the shell went away by itself.
func (s *Service) exited(handle session.Handle, proc Process) {
	s.output.drop(handle)

	s.mu.Lock()
	current, ok := s.procs[handle]
	owned := ok && current == proc
	if owned {
		delete(s.procs, handle)
		s.gone[handle] = struct{}{}
	}
	s.mu.Unlock()
	if !owned {
		return
	}

	closeQuietly(handle, proc)
	slog.Debug("[DEBUG-LIFECYCLE] session exited", "handle", handle)
	if s.onExit != nil {
		s.onExit(handle)
	}
}

// Destroy implements session.Service. Pending output is flushed before the
// process is closed. Destroying a session whose shell already exited
// succeeds once.
func (s *Service) Destroy(_ context.Context, handle session.Handle) error {
	proc, err := s.take(handle)
	if err != nil {
		return fmt.Errorf("destroy %s: %w", handle, err)
	}
	if proc == nil {
		slog.Debug("[DEBUG-LIFECYCLE] destroyed session that had already exited", "handle", handle)
		return nil
	}
	s.output.drop(handle)
	if err := proc.Close(); err != nil {
		return fmt.Errorf("destroy %s: %w", handle, err)
	}
	return nil
}

// Write implements session.IO.
func (s *Service) Write(_ context.Context, handle session.Handle, data []byte) error {
	proc, err := s.lookup(handle)
	if err != nil {
		return fmt.Errorf("write %s: %w", handle, err)
	}
	if _, err := proc.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", handle, err)
	}
	return nil
}

// Resize implements session.IO.
func (s *Service) Resize(_ context.Context, handle session.Handle, cols, rows int) error {
	proc, err := s.lookup(handle)
	if err != nil {
		return fmt.Errorf("resize %s: %w", handle, err)
	}
	if err := proc.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize %s: %w", handle, err)
	}
	return nil
}

// Len returns the number of live sessions.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Close ends every session and stops the background workers. Pending output
// is flushed first. Close is idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	procs := s.procs
	s.procs = map[session.Handle]Process{}
	clear(s.gone)
	s.mu.Unlock()

	var errs []error
	for handle, proc := range procs {
		s.output.drop(handle)
		if err := proc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", handle, err))
		}
	}
	s.output.stop()
	s.workers.Stop()
	return errors.Join(errs...)
}

func (s *Service) lookup(handle session.Handle) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[handle]
	if !ok {
		return nil, session.ErrUnknownSession
	}
	return proc, nil
}

// take removes handle from the service. A nil Process with a nil error means
// the shell had already exited.
func (s *Service) take(handle session.Handle) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[handle]
	if !ok {
		if _, exited := s.gone[handle]; exited {
			delete(s.gone, handle)
			return nil, nil
		}
		return nil, session.ErrUnknownSession
	}
	delete(s.procs, handle)
	return proc, nil
}

func closeQuietly(handle session.Handle, proc Process) {
	if err := proc.Close(); err != nil {
		slog.Debug("[DEBUG-LIFECYCLE] session close failed", "handle", handle, "error", err)
	}
}
