package panetree

import "fmt"

// Preset identifies a named arrangement of a tab's panes.
type Preset string

const (
	PresetEvenHorizontal Preset = "even-horizontal"
	PresetEvenVertical   Preset = "even-vertical"
	PresetMainVertical   Preset = "main-vertical"
	PresetMainHorizontal Preset = "main-horizontal"
	PresetTiled          Preset = "tiled"
)

// ParsePreset validates a preset name.
func ParsePreset(value string) (Preset, error) {
	switch p := Preset(value); p {
	case PresetEvenHorizontal, PresetEvenVertical, PresetMainVertical, PresetMainHorizontal, PresetTiled:
		return p, nil
	default:
		return "", fmt.Errorf("unknown layout preset: %q", value)
	}
}

// Arrange rebuilds the tree so that its leaves, in their current left-to-right
// order, form the given preset. Leaves keep their ids and sessions; every
// split is new and takes its id from ids.
func Arrange(root *Node, preset Preset, ids IDAllocator) *Node {
	leaves := Leaves(root)
	switch len(leaves) {
	case 0:
		return nil
	case 1:
		return leaves[0]
	}
	switch preset {
	case PresetEvenVertical:
		return evenSplit(leaves, Vertical, ids)
	case PresetMainVertical:
		return mainSplit(leaves, Horizontal, Vertical, ids)
	case PresetMainHorizontal:
		return mainSplit(leaves, Vertical, Horizontal, ids)
	case PresetTiled:
		return tiled(leaves, ids)
	default:
		return evenSplit(leaves, Horizontal, ids)
	}
}

// evenSplit builds a balanced tree whose weights keep every node the same size.
func evenSplit(nodes []*Node, dir Direction, ids IDAllocator) *Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	mid := len(nodes) / 2
	split := newSplit(ids.Next(), dir, evenSplit(nodes[:mid], dir, ids), evenSplit(nodes[mid:], dir, ids))
	split.Sizes = [2]float64{float64(mid), float64(len(nodes) - mid)}
	return split
}

// mainSplit gives the first pane 60% and stacks the rest evenly.
func mainSplit(nodes []*Node, mainDir, subDir Direction, ids IDAllocator) *Node {
	if len(nodes) <= 2 {
		return evenSplit(nodes, mainDir, ids)
	}
	split := newSplit(ids.Next(), mainDir, nodes[0], evenSplit(nodes[1:], subDir, ids))
	split.Sizes = [2]float64{3, 2}
	return split
}

func tiled(nodes []*Node, ids IDAllocator) *Node {
	n := len(nodes)
	if n <= 2 {
		return evenSplit(nodes, Horizontal, ids)
	}
	cols := 2
	if n > 4 {
		cols = 3
	}
	rows := make([]*Node, 0, (n+cols-1)/cols)
	for start := 0; start < n; start += cols {
		end := min(start+cols, n)
		rows = append(rows, evenSplit(nodes[start:end], Horizontal, ids))
	}
	return evenSplit(rows, Vertical, ids)
}
