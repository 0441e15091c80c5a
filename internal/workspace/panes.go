package workspace

import (
	"context"
	"fmt"
	"log/slog"

	"tabterm/internal/panetree"
	"tabterm/internal/session"
)

// SplitResult reports the outcome of SplitActivePane.
type SplitResult struct {
	Tab       TabSnapshot
	NewPaneID panetree.NodeID
}

// SplitActivePane opens a session, splits the active pane of the active tab
// with it and focuses the new pane. On failure the layout is unchanged.
//
// The split is applied to the tab that was active when the call began, even
// if another tab has been activated while the session was being created.
func (r *Registry) SplitActivePane(ctx context.Context, direction panetree.Direction) (SplitResult, error) {
	if !direction.Valid() {
		return SplitResult{}, fmt.Errorf("split pane: invalid direction %q", direction)
	}

	r.mu.Lock()
	t := r.activeTabLocked()
	if t == nil {
		r.mu.Unlock()
		return SplitResult{}, ErrNoActiveTab
	}
	if err := usableLocked(t); err != nil {
		r.mu.Unlock()
		return SplitResult{}, fmt.Errorf("split pane: %w", err)
	}
	tabID, target := t.id, t.activePaneID
	if !panetree.Find(t.root, target).IsLeaf() {
		r.mu.Unlock()
		return SplitResult{}, fmt.Errorf("split pane %s: %w", target, ErrPaneNotFound)
	}
	opts := r.createOptionsLocked(t)
	r.mu.Unlock()

	leaf, err := r.coordinator.OpenLeaf(ctx, opts)
	if err != nil {
		return SplitResult{}, fmt.Errorf("split pane %s: %w", target, err)
	}

	r.mu.Lock()
	t = r.findTabLocked(tabID)
	if t == nil {
		r.mu.Unlock()
		r.discard(ctx, leaf, "tab closed")
		return SplitResult{}, fmt.Errorf("split pane %s: tab %s: %w", target, tabID, ErrTabNotFound)
	}
	if err := usableLocked(t); err != nil {
		r.mu.Unlock()
		r.discard(ctx, leaf, err.Error())
		return SplitResult{}, fmt.Errorf("split pane %s: %w", target, err)
	}
	root, err := panetree.Split(t.root, target, direction, r.coordinator.NextID(), leaf)
	if err != nil {
		// The target pane was closed while the session was being created.
		r.mu.Unlock()
		r.discard(ctx, leaf, err.Error())
		return SplitResult{}, fmt.Errorf("split pane %s: %w", target, err)
	}
	t.root = root
	t.activePaneID = leaf.ID
	snap := r.snapshotLocked(t)
	r.queueLocked(EventLayoutChanged, snap)
	r.mu.Unlock()

	r.flushEvents()
	return SplitResult{Tab: snap, NewPaneID: leaf.ID}, nil
}

// ClosePaneResult reports the outcome of CloseActivePane.
type ClosePaneResult struct {
	Tab          TabSnapshot
	ClosedPaneID panetree.NodeID
	// Recreated is set when the closed pane was the last one of its tab and a
	// fresh pane, NewPaneID, replaced it.
	Recreated bool
	NewPaneID panetree.NodeID
	// CleanupErr is the destroy failure of the closed pane's session, if any.
	// The pane is gone from the layout regardless.
	CleanupErr error
}

// CleanupIncomplete reports whether the closed pane's session may still be alive.
func (r ClosePaneResult) CleanupIncomplete() bool {
	return r.CleanupErr != nil
}

// CloseActivePane closes the active pane of the active tab and focuses the
// left-most pane of the sibling subtree that takes its place. Closing the last pane of a tab replaces it with a
// fresh pane: until the replacement exists the tab keeps rendering its
// previous tree and rejects pane operations with ErrTabPending. If the
// replacement cannot be created the tab stays on its previous tree with the
// original session alive, and an error is returned.
func (r *Registry) CloseActivePane(ctx context.Context) (ClosePaneResult, error) {
	r.mu.Lock()
	t := r.activeTabLocked()
	if t == nil {
		r.mu.Unlock()
		return ClosePaneResult{}, ErrNoActiveTab
	}
	if err := usableLocked(t); err != nil {
		r.mu.Unlock()
		return ClosePaneResult{}, fmt.Errorf("close pane: %w", err)
	}
	target := t.activePaneID
	leaf := panetree.Find(t.root, target)
	if !leaf.IsLeaf() {
		r.mu.Unlock()
		return ClosePaneResult{}, fmt.Errorf("close pane %s: %w", target, ErrPaneNotFound)
	}
	root, err := panetree.Remove(t.root, target)
	if err != nil {
		r.mu.Unlock()
		return ClosePaneResult{}, fmt.Errorf("close pane %s: %w", target, err)
	}

	if root != nil {
		// Focus moves into the promoted sibling, at its left-most leaf.
		t.activePaneID, _ = panetree.FirstLeaf(panetree.Sibling(t.root, target))
		t.root = root
		snap := r.snapshotLocked(t)
		r.queueLocked(EventLayoutChanged, snap)
		r.mu.Unlock()

		r.flushEvents()
		return ClosePaneResult{
			Tab:          snap,
			ClosedPaneID: target,
			CleanupErr:   r.coordinator.CloseLeaf(ctx, leaf),
		}, nil
	}

	return r.replaceLastPane(ctx, t, leaf)
}

// replaceLastPane runs the empty-tab protocol for t, whose only pane is leaf.
// It is entered with r.mu held and returns with it released.
func (r *Registry) replaceLastPane(ctx context.Context, t *tab, leaf *panetree.Node) (ClosePaneResult, error) {
	t.state = TabPendingReplacement
	tabID := t.id
	opts := r.createOptionsLocked(t)
	r.queueLocked(EventTabPending, r.snapshotLocked(t))
	r.mu.Unlock()

	r.flushEvents()
	replacement, err := r.coordinator.ReplacementLeaf(ctx, opts)

	r.mu.Lock()
	t = r.findTabLocked(tabID)
	if err != nil {
		result := ClosePaneResult{ClosedPaneID: leaf.ID}
		if t != nil && t.state == TabPendingReplacement {
			t.state = TabStable
			result.Tab = r.snapshotLocked(t)
		}
		r.queueLocked(EventTabRecreateFailed, map[string]any{"tabId": tabID, "error": err.Error()})
		r.mu.Unlock()

		slog.Warn("[WARN-PANE] replacement pane could not be created, keeping the last pane",
			"tabId", tabID.String(),
			"paneId", leaf.ID.String(),
			"error", err,
		)
		r.flushEvents()
		return result, fmt.Errorf("close last pane of tab %s: %w", tabID, err)
	}
	if t == nil || t.state != TabPendingReplacement {
		// The tab was closed meanwhile; its close already destroyed leaf.
		r.mu.Unlock()
		r.discard(ctx, replacement, "tab closed")
		return ClosePaneResult{ClosedPaneID: leaf.ID}, fmt.Errorf("close last pane of tab %s: %w", tabID, ErrTabClosing)
	}
	t.root = replacement
	t.activePaneID = replacement.ID
	t.state = TabStable
	snap := r.snapshotLocked(t)
	r.queueLocked(EventTabRecreated, snap)
	r.mu.Unlock()

	r.flushEvents()
	return ClosePaneResult{
		Tab:          snap,
		ClosedPaneID: leaf.ID,
		Recreated:    true,
		NewPaneID:    replacement.ID,
		CleanupErr:   r.coordinator.CloseLeaf(ctx, leaf),
	}, nil
}

// FocusPane sets the active pane of the active tab. The id is not checked
// against the tab's tree; callers resolve it with FindPane first.
func (r *Registry) FocusPane(id panetree.NodeID) error {
	r.mu.Lock()
	t := r.activeTabLocked()
	if t == nil {
		r.mu.Unlock()
		return ErrNoActiveTab
	}
	if err := usableLocked(t); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("focus pane %s: %w", id, err)
	}
	changed := t.activePaneID != id
	t.activePaneID = id
	if changed {
		r.queueLocked(EventPaneFocused, r.snapshotLocked(t))
	}
	r.mu.Unlock()

	r.flushEvents()
	return nil
}

// ResizeSplit sets the relative weights of a split in the active tab.
func (r *Registry) ResizeSplit(splitID panetree.NodeID, sizes [2]float64) (TabSnapshot, error) {
	return r.mutateActiveTree("resize split", func(root *panetree.Node) (*panetree.Node, error) {
		return panetree.Resize(root, splitID, sizes)
	})
}

// ArrangeActiveTab rebuilds the active tab's layout as preset, keeping every
// pane and the focused pane.
func (r *Registry) ArrangeActiveTab(preset panetree.Preset) (TabSnapshot, error) {
	return r.mutateActiveTree("arrange tab", func(root *panetree.Node) (*panetree.Node, error) {
		return panetree.Arrange(root, preset, panetree.IDFunc(r.coordinator.NextID)), nil
	})
}

// mutateActiveTree applies a session-free tree change to the active tab.
func (r *Registry) mutateActiveTree(op string, mutate func(*panetree.Node) (*panetree.Node, error)) (TabSnapshot, error) {
	r.mu.Lock()
	t := r.activeTabLocked()
	if t == nil {
		r.mu.Unlock()
		return TabSnapshot{}, ErrNoActiveTab
	}
	if err := usableLocked(t); err != nil {
		r.mu.Unlock()
		return TabSnapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	root, err := mutate(t.root)
	if err != nil {
		r.mu.Unlock()
		return TabSnapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	t.root = root
	snap := r.snapshotLocked(t)
	r.queueLocked(EventLayoutChanged, snap)
	r.mu.Unlock()

	r.flushEvents()
	return snap, nil
}

// FindPane locates a pane in any tab.
func (r *Registry) FindPane(id panetree.NodeID) (TabSnapshot, *panetree.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tabs {
		if node := panetree.Find(t.root, id); node != nil {
			return r.snapshotLocked(t), node, true
		}
	}
	return TabSnapshot{}, nil, false
}

// PaneForSession returns the pane bound to handle.
func (r *Registry) PaneForSession(handle session.Handle) (TabID, panetree.NodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tabs {
		if leaf := panetree.FindSession(t.root, handle); leaf != nil {
			return t.id, leaf.ID, true
		}
	}
	return 0, 0, false
}

func (r *Registry) leafForIO(id panetree.NodeID) (*panetree.Node, error) {
	_, node, ok := r.FindPane(id)
	if !ok {
		return nil, fmt.Errorf("pane %s: %w", id, ErrPaneNotFound)
	}
	if !node.IsLeaf() {
		return nil, fmt.Errorf("pane %s: %w", id, panetree.ErrNotLeaf)
	}
	return node, nil
}

// WritePane sends input to the session of a pane.
func (r *Registry) WritePane(ctx context.Context, id panetree.NodeID, data []byte) error {
	leaf, err := r.leafForIO(id)
	if err != nil {
		return err
	}
	return r.coordinator.Write(ctx, leaf, data)
}

// ResizePane resizes the session of a pane.
func (r *Registry) ResizePane(ctx context.Context, id panetree.NodeID, cols, rows int) error {
	leaf, err := r.leafForIO(id)
	if err != nil {
		return err
	}
	return r.coordinator.Resize(ctx, leaf, cols, rows)
}
