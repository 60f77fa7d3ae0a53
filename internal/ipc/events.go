package ipc

import (
	"time"

	"keyboardlock/internal/lock"
	"keyboardlock/internal/mode"
)

// EventFromLock converts a session event to its wire form.
func EventFromLock(ev lock.Event) *Event {
	out := &Event{Type: ev.Type.String(), Timestamp: ev.Time.UTC()}
	switch ev.Type {
	case lock.EventStateChanged:
		locked := ev.Locked
		out.Locked = &locked
		out.Mode = ev.Mode.String()
		if !ev.Locked {
			out.Reason = string(ev.Reason)
		}
	case lock.EventUnlockProgress:
		count := ev.Count
		out.Count = &count
		out.Required = ev.Required
	case lock.EventTimerUpdated:
		out.RemainingSeconds = seconds(ev.Remaining)
	case lock.EventLockFailed:
		out.Mode = ev.Mode.String()
		if ev.Err != nil {
			out.Error = ev.Err.Error()
			out.Code = ErrorCode(ev.Err)
		}
	}
	return out
}

// StatusFromState converts a session snapshot to its wire form.
func StatusFromState(st lock.State, now time.Time) *StatusResponse {
	resp := &StatusResponse{Locked: st.Active}
	if !st.Active {
		return resp
	}
	if st.Mode != nil {
		resp.Mode = st.Mode.String()
	}
	if st.EndTime != nil {
		resp.RemainingSeconds = seconds(st.Remaining(now))
	}
	resp.UnlockPresses = st.Presses
	return resp
}

// Remaining returns the countdown carried by the status, if any.
func (s *StatusResponse) Remaining() (time.Duration, bool) {
	if s.RemainingSeconds == nil {
		return 0, false
	}
	return time.Duration(*s.RemainingSeconds * float64(time.Second)), true
}

// LockMode parses the status mode. ok is false when unlocked.
func (s *StatusResponse) LockMode() (m mode.Mode, ok bool) {
	if !s.Locked || s.Mode == "" {
		return 0, false
	}
	m, err := mode.Parse(s.Mode)
	return m, err == nil
}

func seconds(d time.Duration) *float64 {
	v := d.Round(time.Millisecond).Seconds()
	return &v
}
