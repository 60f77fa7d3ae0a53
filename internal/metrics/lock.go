package metrics

import (
	"errors"
	"sync"
	"time"

	"keyboardlock/internal/capture"
	"keyboardlock/internal/lock"
)

// LockMetrics records session events. It implements lock.Notifier.
type LockMetrics struct {
	reg *Registry

	Locks           *Counter
	GestureProgress *Counter
	Locked          *Gauge
	LockDuration    *Histogram

	Suppressed *Gauge
	Forwarded  *Gauge
	Rearmed    *Gauge
	Matches    *Gauge

	mu       sync.Mutex
	lockedAt time.Time
}

// NewLockMetrics registers the lock metrics in reg.
func NewLockMetrics(reg *Registry) *LockMetrics {
	return &LockMetrics{
		reg:             reg,
		Locks:           reg.RegisterCounter("locks_total", "Successful lock transitions.", nil),
		GestureProgress: reg.RegisterCounter("gesture_progress_total", "Unlock gesture presses observed while locked.", nil),
		Locked:          reg.RegisterGauge("locked", "1 while input is locked.", nil),
		LockDuration:    reg.RegisterHistogram("lock_duration_seconds", "Time spent locked.", nil, DurationBuckets),
		Suppressed:      reg.RegisterGauge("capture_suppressed_events", "Input events swallowed by finished locks.", nil),
		Forwarded:       reg.RegisterGauge("capture_forwarded_events", "Input events passed through by finished locks.", nil),
		Rearmed:         reg.RegisterGauge("capture_hook_rearms", "Times the OS disabled the hook and it was re-enabled.", nil),
		Matches:         reg.RegisterGauge("capture_gesture_matches", "Completed unlock gestures.", nil),
	}
}

func (m *LockMetrics) unlocks(reason lock.Reason) *Counter {
	return m.reg.RegisterCounter("unlocks_total", "Unlock transitions by reason.", Labels{"reason": string(reason)})
}

func (m *LockMetrics) failures(cause string) *Counter {
	return m.reg.RegisterCounter("lock_failures_total", "Lock attempts that left the session unlocked.", Labels{"cause": cause})
}

// FailureCause maps a lock error to a short label value.
func FailureCause(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, capture.ErrNotAvailable):
		return "not_available"
	case errors.Is(err, capture.ErrHookInstallFailed):
		return "hook_install_failed"
	default:
		return "other"
	}
}

// Notify implements lock.Notifier.
func (m *LockMetrics) Notify(ev lock.Event) {
	switch ev.Type {
	case lock.EventStateChanged:
		m.mu.Lock()
		defer m.mu.Unlock()
		if ev.Locked {
			m.Locks.Inc()
			m.Locked.Set(1)
			m.lockedAt = ev.Time
			return
		}
		m.Locked.Set(0)
		m.unlocks(ev.Reason).Inc()
		if !m.lockedAt.IsZero() && !ev.Time.IsZero() {
			m.LockDuration.ObserveDuration(ev.Time.Sub(m.lockedAt))
		}
		m.lockedAt = time.Time{}
	case lock.EventUnlockProgress:
		if ev.Count > 0 {
			m.GestureProgress.Inc()
		}
	case lock.EventLockFailed:
		m.failures(FailureCause(ev.Err)).Inc()
	}
}

// Collect copies the cumulative capture counters of a session.
func (m *LockMetrics) Collect(st lock.Stats) {
	m.Suppressed.Set(int64(st.Capture.Suppressed))
	m.Forwarded.Set(int64(st.Capture.Forwarded))
	m.Rearmed.Set(int64(st.Capture.Rearmed))
	m.Matches.Set(int64(st.Capture.Matches))
}
