// Package panestate keeps recent output per pane so a renderer that
// subscribes late, or reconnects, can redraw what the shell already printed.
package panestate

import (
	"sync"

	"tabterm/internal/panetree"
)

// DefaultReplayBytes is the per-pane capacity used when NewManager is given 0.
const DefaultReplayBytes = 256 * 1024

// replayRing is a fixed-size byte ring holding the newest bytes written.
type replayRing struct {
	data []byte
	head int
	size int
}

func newReplayRing(capacity int) replayRing {
	if capacity <= 0 {
		capacity = 1
	}
	return replayRing{data: make([]byte, capacity)}
}

func (r *replayRing) write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if len(chunk) >= len(r.data) {
		copy(r.data, chunk[len(chunk)-len(r.data):])
		r.head = 0
		r.size = len(r.data)
		return
	}

	n := copy(r.data[r.head:], chunk)
	if n < len(chunk) {
		copy(r.data, chunk[n:])
		r.head = len(chunk) - n
	} else {
		r.head = (r.head + n) % len(r.data)
	}
	r.size = min(r.size+len(chunk), len(r.data))
}

// snapshot returns the buffered bytes oldest first.
func (r *replayRing) snapshot() []byte {
	if r.size == 0 {
		return nil
	}
	out := make([]byte, r.size)
	if r.size < len(r.data) {
		copy(out, r.data[:r.size])
		return out
	}
	n := copy(out, r.data[r.head:])
	copy(out[n:], r.data[:r.head])
	return out
}

// Manager stores a replay ring per pane.
//
// Lock ordering: Manager.mu before pane.mu. Feed takes the read lock on the
// fast path so output from different panes does not contend.
type Manager struct {
	mu       sync.RWMutex
	maxBytes int
	panes    map[panetree.NodeID]*pane
}

type pane struct {
	mu     sync.Mutex
	replay replayRing
}

// NewManager returns a Manager keeping up to maxBytes per pane.
func NewManager(maxBytes int) *Manager {
	if maxBytes <= 0 {
		maxBytes = DefaultReplayBytes
	}
	return &Manager{
		maxBytes: maxBytes,
		panes:    make(map[panetree.NodeID]*pane),
	}
}

// Feed appends chunk to the pane's replay buffer, creating it on first use.
func (m *Manager) Feed(id panetree.NodeID, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	m.mu.RLock()
	p := m.panes[id]
	m.mu.RUnlock()
	if p == nil {
		m.mu.Lock()
		if p = m.panes[id]; p == nil {
			p = &pane{replay: newReplayRing(m.maxBytes)}
			m.panes[id] = p
		}
		m.mu.Unlock()
	}
	p.mu.Lock()
	p.replay.write(chunk)
	p.mu.Unlock()
}

// Snapshot returns a copy of the pane's buffered output, or nil.
func (m *Manager) Snapshot(id panetree.NodeID) []byte {
	m.mu.RLock()
	p := m.panes[id]
	m.mu.RUnlock()
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replay.snapshot()
}

// RemovePane drops the pane's buffer.
func (m *Manager) RemovePane(id panetree.NodeID) {
	m.mu.Lock()
	delete(m.panes, id)
	m.mu.Unlock()
}

// RetainPanes drops every buffer whose pane is not in alive and reports how
// many were dropped.
func (m *Manager) RetainPanes(alive map[panetree.NodeID]struct{}) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id := range m.panes {
		if _, ok := alive[id]; !ok {
			delete(m.panes, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of panes with buffered output.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.panes)
}
