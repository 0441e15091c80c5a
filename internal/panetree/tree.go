package panetree

import (
	"errors"
	"fmt"
	"math"

	"tabterm/internal/session"
)

// Find returns the node with the given id using depth-first search, or nil.
func Find(root *Node, id NodeID) *Node {
	if root == nil {
		return nil
	}
	if root.ID == id {
		return root
	}
	if root.Kind != KindSplit {
		return nil
	}
	if found := Find(root.Children[0], id); found != nil {
		return found
	}
	return Find(root.Children[1], id)
}

// Replace returns a tree in which the node with the given id is substituted
// by replacement. root is returned unchanged when id is absent; callers check
// with Find first when they need to tell the two apart.
func Replace(root *Node, id NodeID, replacement *Node) *Node {
	next, ok := replaceNode(root, id, replacement)
	if !ok {
		return root
	}
	return next
}

func replaceNode(node *Node, id NodeID, replacement *Node) (*Node, bool) {
	if node == nil {
		return nil, false
	}
	if node.ID == id {
		return replacement, true
	}
	if node.Kind != KindSplit {
		return node, false
	}
	for i := range node.Children {
		if next, ok := replaceNode(node.Children[i], id, replacement); ok {
			out := *node
			out.Children[i] = next
			return &out, true
		}
	}
	return node, false
}

// Split replaces the leaf target with a split whose children are the original
// leaf and newLeaf, weighted 1:1. newLeaf must already be bound to a session;
// Split never allocates sessions.
func Split(root *Node, target NodeID, direction Direction, splitID NodeID, newLeaf *Node) (*Node, error) {
	if !direction.Valid() {
		return root, fmt.Errorf("invalid split direction: %q", direction)
	}
	if !newLeaf.IsLeaf() {
		return root, fmt.Errorf("split %s: new node: %w", target, ErrNotLeaf)
	}
	original := Find(root, target)
	if original == nil {
		return root, fmt.Errorf("split %s: %w", target, ErrNodeNotFound)
	}
	if !original.IsLeaf() {
		return root, fmt.Errorf("split %s: %w", target, ErrNotLeaf)
	}
	if splitID == newLeaf.ID || Find(root, splitID) != nil || Find(root, newLeaf.ID) != nil {
		return root, fmt.Errorf("split %s: %w", target, ErrDuplicateID)
	}
	return Replace(root, target, newSplit(splitID, direction, original, newLeaf)), nil
}

// Remove removes the leaf target. The split that held it is replaced outright
// by the surviving sibling, so no split is ever left with one child. Removing
// the only leaf of a tree returns nil.
func Remove(root *Node, target NodeID) (*Node, error) {
	node := Find(root, target)
	if node == nil {
		return root, fmt.Errorf("remove %s: %w", target, ErrNodeNotFound)
	}
	if !node.IsLeaf() {
		return root, fmt.Errorf("remove %s: %w", target, ErrNotLeaf)
	}
	next, _ := removeLeaf(root, target)
	return next, nil
}

func removeLeaf(node *Node, id NodeID) (*Node, bool) {
	if node == nil {
		return nil, false
	}
	if node.Kind == KindLeaf {
		if node.ID == id {
			return nil, true
		}
		return node, false
	}
	for i := range node.Children {
		next, removed := removeLeaf(node.Children[i], id)
		if !removed {
			continue
		}
		if next == nil {
			return node.Children[1-i], true
		}
		out := *node
		out.Children[i] = next
		return &out, true
	}
	return node, false
}

// Sibling returns the other child of the split directly holding id, which is
// the subtree Remove promotes when id is removed. It returns nil for the root
// and for unknown ids.
func Sibling(root *Node, id NodeID) *Node {
	if root == nil || root.Kind == KindLeaf {
		return nil
	}
	for i, child := range root.Children {
		if child != nil && child.ID == id {
			return root.Children[1-i]
		}
		if found := Sibling(child, id); found != nil {
			return found
		}
	}
	return nil
}

// FirstLeaf returns the left-most leaf id, always descending into Children[0].
func FirstLeaf(root *Node) (NodeID, bool) {
	node := root
	for node != nil {
		if node.Kind == KindLeaf {
			return node.ID, true
		}
		node = node.Children[0]
	}
	return -1, false
}

// Leaves returns every leaf in in-order (left to right).
func Leaves(root *Node) []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.Kind == KindLeaf {
			out = append(out, n)
			return
		}
		walk(n.Children[0])
		walk(n.Children[1])
	}
	walk(root)
	return out
}

// FindSession returns the leaf bound to handle, or nil.
func FindSession(root *Node, handle session.Handle) *Node {
	for _, leaf := range Leaves(root) {
		if leaf.Session == handle {
			return leaf
		}
	}
	return nil
}

// Resize sets the relative weights of a split.
func Resize(root *Node, splitID NodeID, sizes [2]float64) (*Node, error) {
	if err := validateSizes(sizes); err != nil {
		return root, fmt.Errorf("resize %s: %w", splitID, err)
	}
	node := Find(root, splitID)
	if node == nil {
		return root, fmt.Errorf("resize %s: %w", splitID, ErrNodeNotFound)
	}
	if !node.IsSplit() {
		return root, fmt.Errorf("resize %s: pane is not a split", splitID)
	}
	out := *node
	out.Sizes = sizes
	return Replace(root, splitID, &out), nil
}

func validateSizes(sizes [2]float64) error {
	for _, s := range sizes {
		if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("invalid split size: %v", s)
		}
	}
	if sizes[0] == 0 && sizes[1] == 0 {
		return errors.New("split sizes must not both be zero")
	}
	return nil
}

// Validate checks the structural invariants of a tree: unique node ids, splits
// with exactly two children and usable sizes, leaves with distinct non-empty
// session handles.
func Validate(root *Node) error {
	if root == nil {
		return errors.New("empty tree")
	}
	ids := map[NodeID]struct{}{}
	handles := map[session.Handle]struct{}{}
	var walk func(*Node) error
	walk = func(n *Node) error {
		if n == nil {
			return errors.New("nil node in tree")
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
		}
		ids[n.ID] = struct{}{}
		switch n.Kind {
		case KindLeaf:
			if n.Session == "" {
				return fmt.Errorf("leaf %s has no session", n.ID)
			}
			if _, dup := handles[n.Session]; dup {
				return fmt.Errorf("session %s bound to more than one leaf", n.Session)
			}
			handles[n.Session] = struct{}{}
			return nil
		case KindSplit:
			if n.Children[0] == nil || n.Children[1] == nil {
				return fmt.Errorf("split %s does not have two children", n.ID)
			}
			if !n.Direction.Valid() {
				return fmt.Errorf("split %s has invalid direction %q", n.ID, n.Direction)
			}
			if err := validateSizes(n.Sizes); err != nil {
				return fmt.Errorf("split %s: %w", n.ID, err)
			}
			if err := walk(n.Children[0]); err != nil {
				return err
			}
			return walk(n.Children[1])
		default:
			return fmt.Errorf("node %s has unknown kind %q", n.ID, n.Kind)
		}
	}
	return walk(root)
}

// Equal reports whether two trees have the same shape, directions, sizes and
// leaves. Split ids are ignored, so a tree rebuilt with fresh splits equals
// the original.
func Equal(a, b *Node) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == KindLeaf {
		return a.ID == b.ID && a.Session == b.Session
	}
	return a.Direction == b.Direction &&
		a.Sizes == b.Sizes &&
		Equal(a.Children[0], b.Children[0]) &&
		Equal(a.Children[1], b.Children[1])
}
