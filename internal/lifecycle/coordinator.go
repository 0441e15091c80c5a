// Package lifecycle keeps pane tree mutations and the sessions bound to their
// leaves in step: a leaf exists only once its session does, and every leaf
// that leaves a tree gets exactly one destroy request.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tabterm/internal/panetree"
	"tabterm/internal/session"
)

// Options configures a Coordinator.
type Options struct {
	// DestroyTimeout bounds each destroy request. 0 leaves timing entirely to
	// the session service.
	DestroyTimeout time.Duration
	// MaxConcurrentDestroys limits the fan-out of CloseTab. 0 means unlimited.
	MaxConcurrentDestroys int
}

// Coordinator issues session create/destroy calls on behalf of pane tree
// mutations. It holds no tree state of its own.
type Coordinator struct {
	service session.Service
	ids     *panetree.IDSource
	opts    Options
}

// NewCoordinator creates a Coordinator that allocates node ids from ids.
func NewCoordinator(service session.Service, ids *panetree.IDSource, opts Options) *Coordinator {
	if ids == nil {
		ids = &panetree.IDSource{}
	}
	return &Coordinator{
		service: service,
		ids:     ids,
		opts:    opts,
	}
}

// NextID allocates a node id for a split created by the caller.
func (c *Coordinator) NextID() panetree.NodeID {
	return c.ids.Next()
}

// serviceContext detaches ctx from cancellation: session calls are never
// aborted once issued, callers only stop waiting for them.
func serviceContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// OpenLeaf creates a session and wraps it in a new leaf. On failure no leaf
// exists and the caller must leave its tree untouched.
func (c *Coordinator) OpenLeaf(ctx context.Context, opts session.CreateOptions) (*panetree.Node, error) {
	handle, err := c.service.Create(serviceContext(ctx), opts)
	if err != nil {
		return nil, fmt.Errorf("open pane: create session: %w", err)
	}
	if handle == "" {
		return nil, errors.New("open pane: session service returned an empty handle")
	}
	leaf := panetree.NewLeaf(c.ids.Next(), handle)
	slog.Debug("[DEBUG-LIFECYCLE] pane opened",
		"paneId", leaf.ID.String(),
		"session", handle,
		"cols", opts.Cols,
		"rows", opts.Rows,
	)
	return leaf, nil
}

// CloseLeaf requests destruction of the leaf's session. Failures are logged
// and returned for reporting only; the pane is gone from the layout either way.
func (c *Coordinator) CloseLeaf(ctx context.Context, leaf *panetree.Node) error {
	if !leaf.IsLeaf() {
		return fmt.Errorf("close pane: %w", panetree.ErrNotLeaf)
	}
	dctx := serviceContext(ctx)
	if c.opts.DestroyTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(dctx, c.opts.DestroyTimeout)
		defer cancel()
	}
	if err := c.service.Destroy(dctx, leaf.Session); err != nil {
		slog.Warn("[WARN-PANE] session destroy failed, pane removed anyway; cleanup may be incomplete",
			"paneId", leaf.ID.String(),
			"session", leaf.Session,
			"error", err,
		)
		return fmt.Errorf("close pane %s: destroy session %s: %w", leaf.ID, leaf.Session, err)
	}
	slog.Debug("[DEBUG-LIFECYCLE] pane closed", "paneId", leaf.ID.String(), "session", leaf.Session)
	return nil
}

// CloseReport summarizes a fan-out close.
type CloseReport struct {
	// Requested lists every handle a destroy was issued for, in tree order.
	Requested []session.Handle
	// Failed maps handles whose destroy failed to the failure.
	Failed map[session.Handle]error
}

// Complete reports whether every destroy request succeeded.
func (r CloseReport) Complete() bool {
	return len(r.Failed) == 0
}

// Err joins every failure, or returns nil.
func (r CloseReport) Err() error {
	if r.Complete() {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, h := range r.Requested {
		if err, ok := r.Failed[h]; ok {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseTab issues one destroy request per leaf of root concurrently and waits
// until all of them have settled. Partial failure is reported, not returned.
func (c *Coordinator) CloseTab(ctx context.Context, root *panetree.Node) CloseReport {
	leaves := panetree.Leaves(root)
	report := CloseReport{
		Requested: make([]session.Handle, 0, len(leaves)),
		Failed:    map[session.Handle]error{},
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if c.opts.MaxConcurrentDestroys > 0 {
		g.SetLimit(c.opts.MaxConcurrentDestroys)
	}
	for _, leaf := range leaves {
		report.Requested = append(report.Requested, leaf.Session)
		g.Go(func() error {
			if err := c.CloseLeaf(ctx, leaf); err != nil {
				mu.Lock()
				report.Failed[leaf.Session] = err
				mu.Unlock()
			}
			// Never fail the group: every request must run to completion.
			return nil
		})
	}
	_ = g.Wait()

	if !report.Complete() {
		slog.Warn("[WARN-PANE] tab closed with incomplete session cleanup",
			"requested", len(report.Requested),
			"failed", len(report.Failed),
		)
	}
	return report
}

// ReplacementLeaf opens the fresh leaf that becomes the whole tree of a tab
// whose last pane is being closed.
func (c *Coordinator) ReplacementLeaf(ctx context.Context, opts session.CreateOptions) (*panetree.Node, error) {
	leaf, err := c.OpenLeaf(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("replace last pane: %w", err)
	}
	return leaf, nil
}

// Write forwards input to the session of leaf when the service supports IO.
func (c *Coordinator) Write(ctx context.Context, leaf *panetree.Node, data []byte) error {
	io, ok := c.service.(session.IO)
	if !ok {
		return ErrIOUnsupported
	}
	if !leaf.IsLeaf() {
		return panetree.ErrNotLeaf
	}
	return io.Write(serviceContext(ctx), leaf.Session, data)
}

// Resize forwards a size change to the session of leaf when the service supports IO.
func (c *Coordinator) Resize(ctx context.Context, leaf *panetree.Node, cols, rows int) error {
	io, ok := c.service.(session.IO)
	if !ok {
		return ErrIOUnsupported
	}
	if !leaf.IsLeaf() {
		return panetree.ErrNotLeaf
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	return io.Resize(serviceContext(ctx), leaf.Session, cols, rows)
}

// ErrIOUnsupported is returned when the session service does not implement session.IO.
var ErrIOUnsupported = errors.New("session service does not support pane io")
