// Package store keeps the lock history in SQLite.
package store

import "time"

// LockSession is one lock from start to end.
type LockSession struct {
	ID        int64
	Mode      string
	StartedAt time.Time
	// EndedAt and Reason are unset while the lock is active.
	EndedAt *time.Time
	Reason  string
	// AutoUnlock is the countdown the lock started with, zero when
	// auto-unlock was disabled.
	AutoUnlock time.Duration
}

// Duration returns how long the lock lasted, measured up to now when it is
// still active.
func (s LockSession) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if d := end.Sub(s.StartedAt); d > 0 {
		return d
	}
	return 0
}

// Active reports whether the lock has not ended.
func (s LockSession) Active() bool { return s.EndedAt == nil }

// LockFailure is a lock attempt that left the session unlocked.
type LockFailure struct {
	ID    int64
	Mode  string
	At    time.Time
	Error string
}

// Summary aggregates the history.
type Summary struct {
	Sessions      int64
	Failures      int64
	TotalLocked   time.Duration
	EndedByReason map[string]int64
}

// ReasonInterrupted ends sessions that were still open when the daemon
// last stopped without recording an unlock.
const ReasonInterrupted = "interrupted"
