// Package workspace holds the ordered set of tabs, the pane tree of each tab,
// and the focus state that ties them together.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"tabterm/internal/lifecycle"
	"tabterm/internal/panetree"
	"tabterm/internal/session"
)

const defaultTabTitle = "Terminal"

var (
	ErrNoActiveTab    = errors.New("no active tab")
	ErrTabNotFound    = errors.New("tab not found")
	ErrTabPending     = errors.New("tab is waiting for a replacement pane")
	ErrTabClosing     = errors.New("tab is closing")
	ErrRegistryClosed = errors.New("workspace is closed")
	ErrPaneNotFound   = panetree.ErrNodeNotFound
)

// TabID identifies a tab. IDs are never reused within a registry.
type TabID int

// String renders the id tmux-style, e.g. "@2".
func (id TabID) String() string {
	return "@" + strconv.Itoa(int(id))
}

// ParseTabID parses a "@N" tab id. A bare number is accepted as well.
func ParseTabID(value string) (TabID, error) {
	value = strings.TrimSpace(value)
	id, err := strconv.Atoi(strings.TrimPrefix(value, "@"))
	if err != nil || id < 0 {
		return -1, fmt.Errorf("invalid tab id: %s", value)
	}
	return TabID(id), nil
}

// TabState is the per-tab state machine. Pane operations are only accepted in
// TabStable.
type TabState string

const (
	TabStable             TabState = "stable"
	TabPendingReplacement TabState = "pending-replacement"
	TabClosing            TabState = "closing"
)

type tab struct {
	id           TabID
	title        string
	root         *panetree.Node
	activePaneID panetree.NodeID
	state        TabState
	// opts are the caller's create options; registry defaults fill the rest at use.
	opts session.CreateOptions
}

// TabSnapshot is a read-only copy of a tab for rendering. Root is shared with
// the registry and must not be mutated.
type TabSnapshot struct {
	ID           TabID           `json:"id"`
	Title        string          `json:"title"`
	IsActive     bool            `json:"isActive"`
	Root         *panetree.Node  `json:"root"`
	ActivePaneID panetree.NodeID `json:"activePaneId"`
	State        TabState        `json:"state"`
}

// Options configures a Registry.
type Options struct {
	Defaults session.CreateOptions
	Emitter  EventEmitter
}

// Registry is the ordered tab collection. All methods are safe for concurrent
// use; session service calls are made without the registry lock held and
// their results are re-validated before they are applied.
type Registry struct {
	coordinator *lifecycle.Coordinator
	emitter     EventEmitter

	mu        sync.Mutex
	tabs      []*tab
	focus     focusTracker
	nextTabID TabID
	defaults  session.CreateOptions
	closed    bool

	// events queued under mu, delivered in order by one goroutine at a time.
	events   []queuedEvent
	draining bool
}

// NewRegistry returns an empty registry.
func NewRegistry(coordinator *lifecycle.Coordinator, opts Options) *Registry {
	emitter := opts.Emitter
	if emitter == nil {
		emitter = noopEmitter{}
	}
	return &Registry{
		coordinator: coordinator,
		emitter:     emitter,
		defaults:    opts.Defaults,
		nextTabID:   1,
	}
}

// SetDefaults replaces the options used to fill unset fields of future
// session creations.
func (r *Registry) SetDefaults(defaults session.CreateOptions) {
	r.mu.Lock()
	r.defaults = defaults
	r.mu.Unlock()
}

func (r *Registry) findTabLocked(id TabID) *tab {
	for _, t := range r.tabs {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (r *Registry) snapshotLocked(t *tab) TabSnapshot {
	return TabSnapshot{
		ID:           t.id,
		Title:        t.title,
		IsActive:     r.focus.isActive(t.id),
		Root:         t.root,
		ActivePaneID: t.activePaneID,
		State:        t.state,
	}
}

// usableLocked rejects pane operations on tabs that are not Stable.
func usableLocked(t *tab) error {
	switch t.state {
	case TabPendingReplacement:
		return fmt.Errorf("tab %s: %w", t.id, ErrTabPending)
	case TabClosing:
		return fmt.Errorf("tab %s: %w", t.id, ErrTabClosing)
	}
	return nil
}

func (r *Registry) createOptionsLocked(t *tab) session.CreateOptions {
	return t.opts.WithDefaults(r.defaults)
}

// discard destroys a leaf whose target disappeared while its session was
// being created.
func (r *Registry) discard(ctx context.Context, leaf *panetree.Node, reason string) {
	slog.Debug("[DEBUG-LIFECYCLE] discarding pane opened for a stale target",
		"paneId", leaf.ID.String(),
		"session", leaf.Session,
		"reason", reason,
	)
	_ = r.coordinator.CloseLeaf(ctx, leaf)
}

// CreateTab opens a session, wraps it in a new tab, appends the tab and makes
// it active. On session failure no tab is created.
func (r *Registry) CreateTab(ctx context.Context, opts session.CreateOptions) (TabSnapshot, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return TabSnapshot{}, ErrRegistryClosed
	}
	merged := opts.WithDefaults(r.defaults)
	r.mu.Unlock()

	leaf, err := r.coordinator.OpenLeaf(ctx, merged)
	if err != nil {
		return TabSnapshot{}, fmt.Errorf("create tab: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.discard(ctx, leaf, "workspace closed")
		return TabSnapshot{}, ErrRegistryClosed
	}
	t := &tab{
		id:           r.nextTabID,
		title:        defaultTabTitle,
		root:         leaf,
		activePaneID: leaf.ID,
		state:        TabStable,
		opts:         opts,
	}
	r.nextTabID++
	r.tabs = append(r.tabs, t)
	r.focus.activate(t.id)
	snap := r.snapshotLocked(t)
	r.queueLocked(EventTabCreated, snap)
	r.mu.Unlock()

	r.flushEvents()
	return snap, nil
}

// CloseTabResult reports the outcome of CloseTab.
type CloseTabResult struct {
	TabID  TabID
	Report lifecycle.CloseReport
	// Active is the tab that is active after the close, if any.
	Active    TabSnapshot
	HasActive bool
}

// CleanupIncomplete reports whether any session of the closed tab failed to
// be destroyed.
func (r CloseTabResult) CleanupIncomplete() bool {
	return !r.Report.Complete()
}

// CloseTab destroys every session of the tab and removes it once all destroy
// requests have settled, successful or not. If the tab was active the first
// remaining tab becomes active.
func (r *Registry) CloseTab(ctx context.Context, id TabID) (CloseTabResult, error) {
	r.mu.Lock()
	t := r.findTabLocked(id)
	if t == nil {
		r.mu.Unlock()
		return CloseTabResult{}, fmt.Errorf("close tab %s: %w", id, ErrTabNotFound)
	}
	if t.state == TabClosing {
		r.mu.Unlock()
		return CloseTabResult{}, fmt.Errorf("close tab %s: %w", id, ErrTabClosing)
	}
	t.state = TabClosing
	root := t.root
	r.mu.Unlock()

	report := r.coordinator.CloseTab(ctx, root)

	r.mu.Lock()
	wasActive := r.focus.isActive(id)
	r.removeTabLocked(id)
	result := CloseTabResult{TabID: id, Report: report}
	if active := r.activeTabLocked(); active != nil {
		result.Active = r.snapshotLocked(active)
		result.HasActive = true
	}
	r.queueLocked(EventTabClosed, map[string]any{
		"tabId":           id,
		"cleanupComplete": report.Complete(),
	})
	if wasActive && result.HasActive {
		r.queueLocked(EventTabSwitched, result.Active)
	}
	r.mu.Unlock()

	r.flushEvents()
	return result, nil
}

func (r *Registry) removeTabLocked(id TabID) {
	r.tabs = slices.DeleteFunc(r.tabs, func(t *tab) bool { return t.id == id })
	r.refocusAfterRemovalLocked(id)
}

// SwitchTab makes the tab active. It reports false, changing nothing, when
// the tab does not exist or is closing.
func (r *Registry) SwitchTab(id TabID) bool {
	r.mu.Lock()
	t := r.findTabLocked(id)
	if t == nil || t.state == TabClosing {
		r.mu.Unlock()
		return false
	}
	changed := !r.focus.isActive(id)
	r.focus.activate(id)
	if changed {
		r.queueLocked(EventTabSwitched, r.snapshotLocked(t))
	}
	r.mu.Unlock()

	r.flushEvents()
	return true
}

// RenameTab sets a tab title. An empty title restores the default.
func (r *Registry) RenameTab(id TabID, title string) (TabSnapshot, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTabTitle
	}
	r.mu.Lock()
	t := r.findTabLocked(id)
	if t == nil {
		r.mu.Unlock()
		return TabSnapshot{}, fmt.Errorf("rename tab %s: %w", id, ErrTabNotFound)
	}
	t.title = title
	snap := r.snapshotLocked(t)
	r.queueLocked(EventTabRenamed, snap)
	r.mu.Unlock()

	r.flushEvents()
	return snap, nil
}

// Tabs returns snapshots of every tab in order.
func (r *Registry) Tabs() []TabSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TabSnapshot, 0, len(r.tabs))
	for _, t := range r.tabs {
		out = append(out, r.snapshotLocked(t))
	}
	return out
}

// ActiveTab returns the active tab, if any.
func (r *Registry) ActiveTab() (TabSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.activeTabLocked()
	if t == nil {
		return TabSnapshot{}, false
	}
	return r.snapshotLocked(t), true
}

// Close closes every tab and refuses further tab creation. In-flight
// operations that complete afterwards discard what they created.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var roots []*panetree.Node
	var ids []TabID
	for _, t := range r.tabs {
		if t.state == TabClosing {
			continue
		}
		t.state = TabClosing
		roots = append(roots, t.root)
		ids = append(ids, t.id)
	}
	r.mu.Unlock()

	var errs []error
	complete := make([]bool, len(roots))
	for i, root := range roots {
		report := r.coordinator.CloseTab(ctx, root)
		complete[i] = report.Complete()
		if err := report.Err(); err != nil {
			errs = append(errs, fmt.Errorf("tab %s: %w", ids[i], err))
		}
	}

	r.mu.Lock()
	for i, id := range ids {
		r.removeTabLocked(id)
		r.queueLocked(EventTabClosed, map[string]any{"tabId": id, "cleanupComplete": complete[i]})
	}
	r.mu.Unlock()

	r.flushEvents()
	return errors.Join(errs...)
}
