package panetree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"tabterm/internal/session"
)

var (
	// ErrNodeNotFound is returned when a node id does not resolve in a tree.
	ErrNodeNotFound = errors.New("pane not found")
	// ErrNotLeaf is returned when an operation that requires a Leaf is given a Split.
	ErrNotLeaf = errors.New("pane is not a leaf")
	// ErrDuplicateID is returned when a node id is already used in the tree.
	ErrDuplicateID = errors.New("duplicate pane id")
)

// Kind is the node category in a pane tree.
type Kind string

const (
	KindLeaf  Kind = "leaf"
	KindSplit Kind = "split"
)

// Direction is the split direction.
type Direction string

const (
	Vertical   Direction = "vertical"
	Horizontal Direction = "horizontal"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Vertical || d == Horizontal
}

// ParseDirection accepts "vertical"/"v" and "horizontal"/"h".
func ParseDirection(value string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "vertical", "v":
		return Vertical, nil
	case "horizontal", "h":
		return Horizontal, nil
	default:
		return "", fmt.Errorf("invalid split direction: %q", value)
	}
}

// NodeID identifies a node. IDs are allocated by an IDSource and are never reused.
type NodeID int

// String renders the id tmux-style, e.g. "%3".
func (id NodeID) String() string {
	return "%" + strconv.Itoa(int(id))
}

// ParseNodeID parses a "%N" pane id. A bare number is accepted as well.
func ParseNodeID(value string) (NodeID, error) {
	value = strings.TrimSpace(value)
	id, err := strconv.Atoi(strings.TrimPrefix(value, "%"))
	if err != nil || id < 0 {
		return -1, fmt.Errorf("invalid pane id: %s", value)
	}
	return NodeID(id), nil
}

// IDSource hands out monotonically increasing node ids. Safe for concurrent use.
type IDSource struct {
	next atomic.Int64
}

// Next returns an id that has never been returned before by this source.
func (s *IDSource) Next() NodeID {
	return NodeID(s.next.Add(1) - 1)
}

// IDAllocator hands out fresh node ids.
type IDAllocator interface {
	Next() NodeID
}

// IDFunc adapts a function into an IDAllocator.
type IDFunc func() NodeID

func (f IDFunc) Next() NodeID { return f() }

// Node is one immutable node of a pane tree. A Node must not be mutated once
// it is reachable from a root; every operation in this package returns a new
// root and shares unchanged subtrees with the old one.
type Node struct {
	Kind Kind   `json:"type"`
	ID   NodeID `json:"id"`

	// Leaf only.
	Session session.Handle `json:"session,omitempty"`

	// Split only. Sizes are relative weights and never both zero.
	Direction Direction  `json:"direction,omitempty"`
	Children  [2]*Node   `json:"children,omitzero"`
	Sizes     [2]float64 `json:"sizes,omitzero"`
}

// NewLeaf returns a leaf bound to handle.
func NewLeaf(id NodeID, handle session.Handle) *Node {
	return &Node{
		Kind:    KindLeaf,
		ID:      id,
		Session: handle,
	}
}

func newSplit(id NodeID, direction Direction, first, second *Node) *Node {
	return &Node{
		Kind:      KindSplit,
		ID:        id,
		Direction: direction,
		Children:  [2]*Node{first, second},
		Sizes:     [2]float64{1, 1},
	}
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool {
	return n != nil && n.Kind == KindLeaf
}

// IsSplit reports whether n is a split.
func (n *Node) IsSplit() bool {
	return n != nil && n.Kind == KindSplit
}
