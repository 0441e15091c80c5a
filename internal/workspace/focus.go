package workspace

import (
	"errors"
	"fmt"

	"tabterm/internal/panetree"
)

// focusTracker is the whole focus model of a registry: a single active tab id
// (so zero or several active tabs cannot be represented) plus each tab's
// activePaneID.
type focusTracker struct {
	activeTab TabID
	hasActive bool
}

func (f *focusTracker) activate(id TabID) {
	f.activeTab = id
	f.hasActive = true
}

func (f *focusTracker) clear() {
	f.activeTab = 0
	f.hasActive = false
}

func (f focusTracker) isActive(id TabID) bool {
	return f.hasActive && f.activeTab == id
}

func (r *Registry) activeTabLocked() *tab {
	if !r.focus.hasActive {
		return nil
	}
	return r.findTabLocked(r.focus.activeTab)
}

// refocusAfterRemovalLocked re-establishes the active tab once a tab has left
// the sequence: the first remaining tab takes over if the removed one was active.
func (r *Registry) refocusAfterRemovalLocked(removed TabID) {
	if len(r.tabs) == 0 {
		r.focus.clear()
		return
	}
	if !r.focus.hasActive || r.focus.activeTab == removed {
		r.focus.activate(r.tabs[0].id)
	}
}

// CheckInvariants verifies the focus and layout invariants: exactly one active
// tab when tabs exist, valid trees, and an activePaneID naming a leaf of its
// tab. A pane id installed through FocusPane without validation shows up here.
func (r *Registry) CheckInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.tabs) == 0 {
		if r.focus.hasActive {
			return errors.New("empty registry has an active tab")
		}
		return nil
	}
	if r.activeTabLocked() == nil {
		return errors.New("no active tab")
	}
	seenIDs := map[panetree.NodeID]TabID{}
	for _, t := range r.tabs {
		if err := panetree.Validate(t.root); err != nil {
			return fmt.Errorf("tab %s: %w", t.id, err)
		}
		for _, leaf := range panetree.Leaves(t.root) {
			if other, dup := seenIDs[leaf.ID]; dup {
				return fmt.Errorf("pane %s present in tabs %s and %s", leaf.ID, other, t.id)
			}
			seenIDs[leaf.ID] = t.id
		}
		if !panetree.Find(t.root, t.activePaneID).IsLeaf() {
			return fmt.Errorf("tab %s: active pane %s is not a leaf of its tree", t.id, t.activePaneID)
		}
	}
	return nil
}
