package workspace

import "log/slog"

// Event names emitted by Registry. Payloads are TabSnapshot unless noted.
const (
	EventTabCreated        = "workspace:tab-created"
	EventTabClosed         = "workspace:tab-closed" // map[string]any{"tabId", "cleanupComplete"}
	EventTabSwitched       = "workspace:tab-switched"
	EventTabRenamed        = "workspace:tab-renamed"
	EventLayoutChanged     = "workspace:layout-changed"
	EventPaneFocused       = "workspace:pane-focused"
	EventTabPending        = "workspace:tab-pending-replacement"
	EventTabRecreated      = "workspace:tab-recreated"
	EventTabRecreateFailed = "workspace:tab-recreate-failed" // map[string]any{"tabId", "error"}
)

// EventEmitter receives registry state changes, e.g. to push them to a renderer.
// Emit is always called without registry locks held, and never concurrently
// for one Registry.
type EventEmitter interface {
	Emit(name string, payload any)
}

// EventEmitterFunc adapts a function into EventEmitter.
type EventEmitterFunc func(name string, payload any)

func (f EventEmitterFunc) Emit(name string, payload any) {
	f(name, payload)
}

type noopEmitter struct{}

func (noopEmitter) Emit(string, any) {}

type queuedEvent struct {
	name    string
	payload any
}

// queueLocked records an event in mutation order. The caller must hold r.mu
// and call flushEvents after releasing it.
func (r *Registry) queueLocked(name string, payload any) {
	r.events = append(r.events, queuedEvent{name: name, payload: payload})
}

// flushEvents delivers queued events without holding r.mu. One goroutine
// drains at a time, so the emitter sees events in the order the state
// changed; a caller that finds a drain in progress leaves its events to it.
func (r *Registry) flushEvents() {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for len(r.events) > 0 {
		batch := r.events
		r.events = nil
		r.mu.Unlock()
		for _, ev := range batch {
			r.emit(ev)
		}
		r.mu.Lock()
	}
	r.draining = false
	r.mu.Unlock()
}

func (r *Registry) emit(ev queuedEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[DEBUG-PANIC] event emitter panicked", "event", ev.name, "panic", rec)
		}
	}()
	r.emitter.Emit(ev.name, ev.payload)
}
