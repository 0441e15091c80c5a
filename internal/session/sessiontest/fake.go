// Package sessiontest provides an in-memory session.Service for tests.
package sessiontest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"tabterm/internal/session"
)

// Gate holds one Create call until released, so tests can observe state while
// the call is suspended.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

// Entered is closed once the held Create call has started.
func (g *Gate) Entered() <-chan struct{} { return g.entered }

// Release lets the held call complete successfully.
func (g *Gate) Release() { close(g.release) }

// Fail lets the held call complete with err.
func (g *Gate) Fail(err error) {
	g.err = err
	close(g.release)
}

// Fake is a session.Service and session.IO that records every call.
type Fake struct {
	mu sync.Mutex

	next       int
	live       map[session.Handle]session.CreateOptions
	created    []session.Handle
	destroyed  []session.Handle
	createErrs []error
	destroyErr map[session.Handle]error
	gates      []*Gate
	writes     map[session.Handle][]byte
	sizes      map[session.Handle][2]int
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		live:       map[session.Handle]session.CreateOptions{},
		destroyErr: map[session.Handle]error{},
		writes:     map[session.Handle][]byte{},
		sizes:      map[session.Handle][2]int{},
	}
}

// FailNextCreate makes the next Create call return err.
func (f *Fake) FailNextCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErrs = append(f.createErrs, err)
}

// FailDestroy makes every Destroy of handle return err. The session is still
// considered gone afterwards.
func (f *Fake) FailDestroy(handle session.Handle, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyErr[handle] = err
}

// HoldNextCreate suspends the next Create call until the gate is released.
func (f *Fake) HoldNextCreate() *Gate {
	g := &Gate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates = append(f.gates, g)
	f.mu.Unlock()
	return g
}

// Create implements session.Service.
func (f *Fake) Create(ctx context.Context, opts session.CreateOptions) (session.Handle, error) {
	f.mu.Lock()
	var gate *Gate
	if len(f.gates) > 0 {
		gate = f.gates[0]
		f.gates = f.gates[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		close(gate.entered)
		select {
		case <-gate.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if gate.err != nil {
			return "", gate.err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return "", err
	}
	f.next++
	handle := session.Handle(fmt.Sprintf("sess-%d", f.next))
	f.live[handle] = opts
	f.created = append(f.created, handle)
	return handle, nil
}

// Destroy implements session.Service.
func (f *Fake) Destroy(_ context.Context, handle session.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, handle)
	if _, ok := f.live[handle]; !ok {
		return fmt.Errorf("destroy %s: %w", handle, session.ErrUnknownSession)
	}
	delete(f.live, handle)
	if err := f.destroyErr[handle]; err != nil {
		return err
	}
	return nil
}

// Write implements session.IO.
func (f *Fake) Write(_ context.Context, handle session.Handle, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[handle]; !ok {
		return fmt.Errorf("write %s: %w", handle, session.ErrUnknownSession)
	}
	f.writes[handle] = append(f.writes[handle], data...)
	return nil
}

// Resize implements session.IO.
func (f *Fake) Resize(_ context.Context, handle session.Handle, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[handle]; !ok {
		return fmt.Errorf("resize %s: %w", handle, session.ErrUnknownSession)
	}
	f.sizes[handle] = [2]int{cols, rows}
	return nil
}

// Live returns the handles that were created and not destroyed, sorted.
func (f *Fake) Live() []session.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Handle, 0, len(f.live))
	for h := range f.live {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// IsLive reports whether handle is currently alive.
func (f *Fake) IsLive(handle session.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[handle]
	return ok
}

// Options returns the options a live session was created with.
func (f *Fake) Options(handle session.Handle) (session.CreateOptions, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts, ok := f.live[handle]
	return opts, ok
}

// Created returns every handle issued so far, in order.
func (f *Fake) Created() []session.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.created)
}

// Destroyed returns every Destroy request received, in order.
func (f *Fake) Destroyed() []session.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.destroyed)
}

// Written returns the bytes written to handle.
func (f *Fake) Written(handle session.Handle) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.writes[handle])
}

// Size returns the last size set on handle.
func (f *Fake) Size(handle session.Handle) (cols, rows int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sizes[handle]
	return s[0], s[1]
}
