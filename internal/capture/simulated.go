package capture

import (
	"sync"
	"sync/atomic"
)

// SimulatedHook is an in-process Hook for tests and for running the
// daemon without touching real devices.
type SimulatedHook struct {
	mu       sync.Mutex
	failNext error
	installs int
	current  *SimulatedHandle
}

// NewSimulatedHook creates a SimulatedHook.
func NewSimulatedHook() *SimulatedHook {
	return &SimulatedHook{}
}

// FailNextInstall makes the next Install return err.
func (s *SimulatedHook) FailNextInstall(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// Install implements Hook.
func (s *SimulatedHook) Install(f *Filter) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return nil, err
	}

	h := &SimulatedHandle{id: handles.reserve(), filter: f}
	f.bind(h)
	handles.put(h.id, h)
	s.installs++
	s.current = h
	return h, nil
}

// Installs returns how many times Install succeeded.
func (s *SimulatedHook) Installs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installs
}

// Current returns the most recently installed handle if it is still open.
func (s *SimulatedHook) Current() *SimulatedHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Closed() {
		return nil
	}
	return s.current
}

// Inject delivers ev through the current handle. With no hook installed
// the event passes untouched and false is returned.
func (s *SimulatedHook) Inject(ev Event) (Action, bool) {
	h := s.Current()
	if h == nil {
		return Forward, false
	}
	return h.Inject(ev), true
}

// SimulatedHandle is the Handle returned by SimulatedHook.
type SimulatedHandle struct {
	id     uint64
	filter *Filter

	// dispatch serializes Inject the way a real capture context does.
	dispatch sync.Mutex
	closed   atomic.Bool
	rearms   atomic.Int64
}

// ID implements Handle.
func (h *SimulatedHandle) ID() uint64 { return h.id }

// Filter returns the installed filter.
func (h *SimulatedHandle) Filter() *Filter { return h.filter }

// Inject runs the filter on ev.
func (h *SimulatedHandle) Inject(ev Event) Action {
	h.dispatch.Lock()
	defer h.dispatch.Unlock()
	if h.closed.Load() {
		return Forward
	}
	return h.filter.Decide(ev)
}

// Rearm implements Handle.
func (h *SimulatedHandle) Rearm() { h.rearms.Add(1) }

// Rearms returns how often the handle was re-armed.
func (h *SimulatedHandle) Rearms() int { return int(h.rearms.Load()) }

// Close implements Handle.
func (h *SimulatedHandle) Close() error {
	if h.closed.Swap(true) {
		return ErrClosed
	}
	// Wait for an in-flight Inject to finish.
	h.dispatch.Lock()
	handles.remove(h.id)
	h.dispatch.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (h *SimulatedHandle) Closed() bool { return h.closed.Load() }
