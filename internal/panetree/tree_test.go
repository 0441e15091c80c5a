package panetree

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"tabterm/internal/session"
)

type treeBuilder struct {
	ids     IDSource
	handles int
}

func (b *treeBuilder) leaf() *Node {
	b.handles++
	return NewLeaf(b.ids.Next(), session.Handle(fmt.Sprintf("sess-%d", b.handles)))
}

func (b *treeBuilder) split(t *testing.T, root *Node, target NodeID, dir Direction) (*Node, NodeID) {
	t.Helper()
	leaf := b.leaf()
	next, err := Split(root, target, dir, b.ids.Next(), leaf)
	if err != nil {
		t.Fatalf("Split(%s) error = %v", target, err)
	}
	return next, leaf.ID
}

func leafIDs(root *Node) []NodeID {
	var ids []NodeID
	for _, leaf := range Leaves(root) {
		ids = append(ids, leaf.ID)
	}
	return ids
}

func TestFind(t *testing.T) {
	b := &treeBuilder{}
	a := b.leaf()
	root, bID := b.split(t, a, a.ID, Vertical)
	root, cID := b.split(t, root, bID, Horizontal)

	for _, id := range []NodeID{a.ID, bID, cID, root.ID} {
		if got := Find(root, id); got == nil || got.ID != id {
			t.Fatalf("Find(%s) = %v, want node", id, got)
		}
	}
	if got := Find(root, 999); got != nil {
		t.Fatalf("Find(unknown) = %v, want nil", got)
	}
	if got := Find(nil, a.ID); got != nil {
		t.Fatalf("Find(nil) = %v, want nil", got)
	}
}

func TestReplaceUnknownIDReturnsRootUnchanged(t *testing.T) {
	b := &treeBuilder{}
	a := b.leaf()
	root, _ := b.split(t, a, a.ID, Vertical)

	got := Replace(root, 12345, b.leaf())
	if got != root {
		t.Fatal("Replace() with unknown id must return the same root")
	}
}

func TestReplaceSharesUntouchedSubtrees(t *testing.T) {
	b := &treeBuilder{}
	a := b.leaf()
	root, bID := b.split(t, a, a.ID, Vertical)
	root, cID := b.split(t, root, a.ID, Horizontal)
	_ = cID

	left := root.Children[0]
	right := root.Children[1]
	replacement := b.leaf()
	next := Replace(root, bID, replacement)

	if next == root {
		t.Fatal("Replace() must return a new root")
	}
	if next.Children[0] != left {
		t.Fatal("untouched left subtree must be shared by reference")
	}
	if next.Children[1] != replacement {
		t.Fatal("replacement not installed")
	}
	if root.Children[1] != right {
		t.Fatal("original tree was mutated")
	}
}

func TestSplit(t *testing.T) {
	t.Run("leaf becomes split with original first", func(t *testing.T) {
		b := &treeBuilder{}
		a := b.leaf()
		newLeaf := b.leaf()
		root, err := Split(a, a.ID, Vertical, b.ids.Next(), newLeaf)
		if err != nil {
			t.Fatalf("Split() error = %v", err)
		}
		if !root.IsSplit() || root.Direction != Vertical {
			t.Fatalf("root = %+v, want vertical split", root)
		}
		if root.Children[0] != a || root.Children[1] != newLeaf {
			t.Fatal("children must be [original, new]")
		}
		if root.Sizes != [2]float64{1, 1} {
			t.Fatalf("sizes = %v, want [1 1]", root.Sizes)
		}
	})

	t.Run("split target rejected", func(t *testing.T) {
		b := &treeBuilder{}
		a := b.leaf()
		root, _ := b.split(t, a, a.ID, Vertical)
		got, err := Split(root, root.ID, Horizontal, b.ids.Next(), b.leaf())
		if !errors.Is(err, ErrNotLeaf) {
			t.Fatalf("Split(split node) error = %v, want ErrNotLeaf", err)
		}
		if got != root {
			t.Fatal("rejected split must leave root unchanged")
		}
	})

	t.Run("unknown target rejected", func(t *testing.T) {
		b := &treeBuilder{}
		a := b.leaf()
		_, err := Split(a, 77, Horizontal, b.ids.Next(), b.leaf())
		if !errors.Is(err, ErrNodeNotFound) {
			t.Fatalf("error = %v, want ErrNodeNotFound", err)
		}
	})

	t.Run("duplicate ids rejected", func(t *testing.T) {
		b := &treeBuilder{}
		a := b.leaf()
		_, err := Split(a, a.ID, Horizontal, a.ID, b.leaf())
		if !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("error = %v, want ErrDuplicateID", err)
		}
	})

	t.Run("invalid direction rejected", func(t *testing.T) {
		b := &treeBuilder{}
		a := b.leaf()
		if _, err := Split(a, a.ID, Direction("diagonal"), b.ids.Next(), b.leaf()); err == nil {
			t.Fatal("expected error for invalid direction")
		}
	})
}

func TestRemove(t *testing.T) {
	t.Run("sole leaf yields nil", func(t *testing.T) {
		b := &treeBuilder{}
		a := b.leaf()
		got, err := Remove(a, a.ID)
		if err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if got != nil {
			t.Fatalf("Remove(sole leaf) = %+v, want nil", got)
		}
	})

	t.Run("sibling is promoted", func(t *testing.T) {
		b := &treeBuilder{}
		a := b.leaf()
		root, bID := b.split(t, a, a.ID, Vertical)
		got, err := Remove(root, bID)
		if err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if got != a {
			t.Fatalf("Remove() = %+v, want leaf A", got)
		}
	})

	t.Run("nested collapse keeps two levels", func(t *testing.T) {
		b := &treeBuilder{}
		a := b.leaf()
		root, bID := b.split(t, a, a.ID, Vertical)
		root, cID := b.split(t, root, bID, Vertical)

		got, err := Remove(root, cID)
		if err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if !got.IsSplit() || got.Direction != Vertical {
			t.Fatalf("root = %+v, want vertical split", got)
		}
		if got.Children[0].ID != a.ID || got.Children[1].ID != bID {
			t.Fatalf("leaves = %v, want [%s %s]", leafIDs(got), a.ID, bID)
		}
		if got.Children[1].IsSplit() {
			t.Fatal("collapsed split must not remain in tree")
		}
	})

	t.Run("removing split rejected", func(t *testing.T) {
		b := &treeBuilder{}
		a := b.leaf()
		root, _ := b.split(t, a, a.ID, Vertical)
		got, err := Remove(root, root.ID)
		if !errors.Is(err, ErrNotLeaf) {
			t.Fatalf("error = %v, want ErrNotLeaf", err)
		}
		if got != root {
			t.Fatal("rejected remove must leave root unchanged")
		}
	})

	t.Run("unknown id rejected", func(t *testing.T) {
		b := &treeBuilder{}
		a := b.leaf()
		if _, err := Remove(a, 42); !errors.Is(err, ErrNodeNotFound) {
			t.Fatalf("error = %v, want ErrNodeNotFound", err)
		}
	})
}

func TestSplitThenRemoveRoundTrip(t *testing.T) {
	b := &treeBuilder{}
	a := b.leaf()
	root, bID := b.split(t, a, a.ID, Vertical)
	root, _ = b.split(t, root, a.ID, Horizontal)
	root, _ = b.split(t, root, bID, Vertical)

	for _, target := range leafIDs(root) {
		for _, dir := range []Direction{Vertical, Horizontal} {
			split, newID := b.split(t, root, target, dir)
			restored, err := Remove(split, newID)
			if err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if !Equal(restored, root) {
				t.Fatalf("round trip on %s/%s changed the tree: got %v want %v", target, dir, leafIDs(restored), leafIDs(root))
			}
		}
	}
}

func TestEqualIgnoresSplitIDs(t *testing.T) {
	b := &treeBuilder{}
	left, right := b.leaf(), b.leaf()
	build := func(splitID NodeID, dir Direction, sizes [2]float64, second *Node) *Node {
		return &Node{Kind: KindSplit, ID: splitID, Direction: dir, Children: [2]*Node{left, second}, Sizes: sizes}
	}
	base := build(10, Vertical, [2]float64{1, 1}, right)

	tests := []struct {
		name  string
		other *Node
		want  bool
	}{
		{name: "same tree", other: base, want: true},
		{name: "different split id", other: build(99, Vertical, [2]float64{1, 1}, right), want: true},
		{name: "different direction", other: build(10, Horizontal, [2]float64{1, 1}, right), want: false},
		{name: "different sizes", other: build(10, Vertical, [2]float64{2, 1}, right), want: false},
		{name: "different leaf", other: build(10, Vertical, [2]float64{1, 1}, b.leaf()), want: false},
		{name: "leaf vs split", other: left, want: false},
		{name: "nil", other: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(base, tt.other); got != tt.want {
				t.Fatalf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEqualAfterArrangeRoundTrip(t *testing.T) {
	b := &treeBuilder{}
	a := b.leaf()
	root, _ := b.split(t, a, a.ID, Vertical)

	// Arrange allocates fresh split ids; the two-pane layout is otherwise unchanged.
	arranged := Arrange(root, PresetEvenVertical, &b.ids)
	if arranged.ID == root.ID {
		t.Fatalf("Arrange() reused split id %s", root.ID)
	}
	if !Equal(arranged, root) {
		t.Fatalf("Equal(arranged, root) = false; leaves %v vs %v", leafIDs(arranged), leafIDs(root))
	}
}

func TestFirstLeaf(t *testing.T) {
	b := &treeBuilder{}
	a := b.leaf()
	if id, ok := FirstLeaf(a); !ok || id != a.ID {
		t.Fatalf("FirstLeaf(leaf) = %s,%v", id, ok)
	}
	root, bID := b.split(t, a, a.ID, Vertical)
	root, _ = b.split(t, root, bID, Horizontal)
	root, err := Remove(root, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := FirstLeaf(root); id != bID {
		t.Fatalf("FirstLeaf() = %s, want %s", id, bID)
	}
	if _, ok := FirstLeaf(nil); ok {
		t.Fatal("FirstLeaf(nil) must report false")
	}
}

func TestSibling(t *testing.T) {
	b := &treeBuilder{}
	a := b.leaf()
	root, bID := b.split(t, a, a.ID, Vertical)
	root, cID := b.split(t, root, bID, Vertical)

	if got := Sibling(root, cID); got == nil || got.ID != bID {
		t.Fatalf("Sibling(C) = %+v, want B", got)
	}
	if got := Sibling(root, a.ID); got == nil || !got.IsSplit() {
		t.Fatalf("Sibling(A) = %+v, want the nested split", got)
	}
	if Sibling(root, root.ID) != nil || Sibling(a, a.ID) != nil || Sibling(root, 99) != nil {
		t.Fatal("Sibling() of root or unknown id must be nil")
	}

	// The sibling is exactly the subtree Remove promotes.
	sib := Sibling(root, cID)
	next, err := Remove(root, cID)
	if err != nil {
		t.Fatal(err)
	}
	if next.Children[1] != sib {
		t.Fatal("Remove() did not promote Sibling()")
	}
}

func TestRandomSplitRemoveSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	b := &treeBuilder{}
	root := b.leaf()

	for step := 0; step < 500; step++ {
		leaves := leafIDs(root)
		target := leaves[rng.IntN(len(leaves))]
		if len(leaves) == 1 || rng.IntN(3) != 0 {
			dir := Vertical
			if rng.IntN(2) == 0 {
				dir = Horizontal
			}
			root, _ = b.split(t, root, target, dir)
		} else {
			next, err := Remove(root, target)
			if err != nil {
				t.Fatalf("step %d: Remove() error = %v", step, err)
			}
			root = next
		}
		if err := Validate(root); err != nil {
			t.Fatalf("step %d: Validate() error = %v", step, err)
		}
		if Find(root, target) != nil && len(Leaves(root)) < len(leaves) {
			t.Fatalf("step %d: removed leaf %s still present", step, target)
		}
	}
}

func TestResize(t *testing.T) {
	b := &treeBuilder{}
	a := b.leaf()
	root, _ := b.split(t, a, a.ID, Vertical)

	got, err := Resize(root, root.ID, [2]float64{2, 1})
	if err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	if got.Sizes != [2]float64{2, 1} {
		t.Fatalf("sizes = %v", got.Sizes)
	}
	if root.Sizes != [2]float64{1, 1} {
		t.Fatal("Resize() mutated the original tree")
	}

	tests := []struct {
		name  string
		id    NodeID
		sizes [2]float64
	}{
		{"both zero", root.ID, [2]float64{0, 0}},
		{"negative", root.ID, [2]float64{-1, 2}},
		{"leaf target", a.ID, [2]float64{1, 1}},
		{"unknown", 999, [2]float64{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resize(root, tt.id, tt.sizes)
			if err == nil {
				t.Fatal("expected error")
			}
			if got != root {
				t.Fatal("failed resize must return root unchanged")
			}
		})
	}
}

func TestValidateRejectsBrokenTrees(t *testing.T) {
	tests := []struct {
		name string
		root *Node
	}{
		{"nil", nil},
		{"split with one child", &Node{Kind: KindSplit, ID: 1, Direction: Vertical, Sizes: [2]float64{1, 1}, Children: [2]*Node{NewLeaf(2, "s")}}},
		{"duplicate ids", newSplit(1, Vertical, NewLeaf(2, "a"), NewLeaf(2, "b"))},
		{"shared session", newSplit(1, Vertical, NewLeaf(2, "a"), NewLeaf(3, "a"))},
		{"leaf without session", NewLeaf(1, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.root); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		in      string
		want    NodeID
		wantErr bool
	}{
		{"%3", 3, false},
		{" 7 ", 7, false},
		{"%-1", -1, true},
		{"abc", -1, true},
		{"", -1, true},
	}
	for _, tt := range tests {
		got, err := ParseNodeID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseNodeID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("ParseNodeID(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if NodeID(12).String() != "%12" {
		t.Fatalf("String() = %q", NodeID(12).String())
	}
}
