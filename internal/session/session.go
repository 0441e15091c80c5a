// Package session defines the contract of the service that owns terminal
// sessions (the process behind each pane). The layout core only ever holds
// opaque handles issued by a Service and never inspects session state.
package session

import (
	"context"
	"errors"
)

// Handle is an opaque session identifier issued by a Service.
type Handle string

// ErrUnknownSession is returned by services when a handle is not (or no
// longer) owned by them.
var ErrUnknownSession = errors.New("unknown session")

// CreateOptions describes the session to create. Empty Shell and WorkingDir
// let the service pick its defaults.
type CreateOptions struct {
	Cols       int    `json:"cols" yaml:"cols"`
	Rows       int    `json:"rows" yaml:"rows"`
	Shell      string `json:"shell,omitempty" yaml:"shell,omitempty"`
	WorkingDir string `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
}

// WithDefaults fills zero-valued fields of o from defaults.
func (o CreateOptions) WithDefaults(defaults CreateOptions) CreateOptions {
	if o.Cols <= 0 {
		o.Cols = defaults.Cols
	}
	if o.Rows <= 0 {
		o.Rows = defaults.Rows
	}
	if o.Shell == "" {
		o.Shell = defaults.Shell
	}
	if o.WorkingDir == "" {
		o.WorkingDir = defaults.WorkingDir
	}
	return o
}

// Service creates and destroys sessions.
//
// Implementations bound their own latency; callers impose no timeout.
type Service interface {
	Create(ctx context.Context, opts CreateOptions) (Handle, error)
	Destroy(ctx context.Context, handle Handle) error
}

// IO is implemented by services that also carry pane input and size changes.
type IO interface {
	Write(ctx context.Context, handle Handle, data []byte) error
	Resize(ctx context.Context, handle Handle, cols, rows int) error
}
