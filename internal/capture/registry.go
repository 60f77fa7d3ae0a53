package capture

import "sync"

// registry maps handle ids to live handles. Platform callbacks that only
// receive an opaque context value look their handle up here.
type registry struct {
	mu      sync.RWMutex
	next    uint64
	entries map[uint64]Handle
}

var handles = &registry{entries: make(map[uint64]Handle)}

// reserve allocates an id before the handle exists so that the platform
// hook can be created with it as context.
func (r *registry) reserve() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.next
}

func (r *registry) put(id uint64, h Handle) {
	r.mu.Lock()
	r.entries[id] = h
	r.mu.Unlock()
}

func (r *registry) get(id uint64) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.entries[id]
	r.mu.RUnlock()
	return h, ok
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// LiveHandles returns the number of hooks currently installed in this
// process across all sessions.
func LiveHandles() int { return handles.len() }
