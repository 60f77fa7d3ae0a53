package lock

import (
	"sync"

	"keyboardlock/internal/capture"
)

// Stats are cumulative session counters.
type Stats struct {
	Locks    uint64
	Failures uint64
	Unlocks  map[Reason]uint64
	Capture  capture.FilterStats
}

type statsRecorder struct {
	mu       sync.Mutex
	locks    uint64
	failures uint64
	unlocks  map[Reason]uint64
	capture  capture.FilterStats
}

func (r *statsRecorder) locked() {
	r.mu.Lock()
	r.locks++
	r.mu.Unlock()
}

func (r *statsRecorder) failed() {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
}

func (r *statsRecorder) unlocked(reason Reason) {
	r.mu.Lock()
	if r.unlocks == nil {
		r.unlocks = make(map[Reason]uint64)
	}
	r.unlocks[reason]++
	r.mu.Unlock()
}

func (r *statsRecorder) addFilter(fs capture.FilterStats) {
	r.mu.Lock()
	r.capture.Suppressed += fs.Suppressed
	r.capture.Forwarded += fs.Forwarded
	r.capture.Rearmed += fs.Rearmed
	r.capture.Matches += fs.Matches
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		Locks:    r.locks,
		Failures: r.failures,
		Unlocks:  make(map[Reason]uint64, len(r.unlocks)),
		Capture:  r.capture,
	}
	for k, v := range r.unlocks {
		st.Unlocks[k] = v
	}
	return st
}
