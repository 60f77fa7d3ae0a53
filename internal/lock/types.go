package lock

import (
	"time"

	"keyboardlock/internal/capture"
	"keyboardlock/internal/gesture"
	"keyboardlock/internal/mode"
)

// DefaultAutoUnlockDuration applies when auto-unlock is enabled without a
// positive duration.
const DefaultAutoUnlockDuration = 120 * time.Second

// Settings are read when a lock starts. Changing them never affects a
// lock that is already active.
type Settings struct {
	AutoUnlockEnabled  bool
	AutoUnlockDuration time.Duration
	DefaultMode        mode.Mode

	GestureModifier capture.Modifiers
	GesturePresses  int
	GestureWindow   time.Duration
}

// DefaultSettings returns the factory settings.
func DefaultSettings() Settings {
	return Settings{
		AutoUnlockEnabled:  true,
		AutoUnlockDuration: DefaultAutoUnlockDuration,
		DefaultMode:        mode.Default,
		GestureModifier:    capture.ModCommand,
		GesturePresses:     gesture.DefaultRequired,
		GestureWindow:      gesture.DefaultWindow,
	}
}

func (s Settings) autoUnlockDuration() time.Duration {
	if s.AutoUnlockDuration <= 0 {
		return DefaultAutoUnlockDuration
	}
	return s.AutoUnlockDuration
}

// State is a snapshot of the session.
type State struct {
	Active bool
	// Mode is nil when not active.
	Mode *mode.Mode
	// EndTime is the scheduled auto-unlock, nil when not active or when
	// auto-unlock is disabled.
	EndTime *time.Time
	// Presses is the unlock gesture progress still within the window.
	Presses int
}

// Remaining returns the time left until auto-unlock, never negative.
func (s State) Remaining(now time.Time) time.Duration {
	if s.EndTime == nil {
		return 0
	}
	if d := s.EndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Reason tells why a lock ended.
type Reason string

const (
	ReasonManual   Reason = "manual"
	ReasonGesture  Reason = "gesture"
	ReasonTimer    Reason = "timer"
	ReasonShutdown Reason = "shutdown"
)

// EventType identifies a session event.
type EventType uint8

const (
	// EventStateChanged fires on every lock and unlock.
	EventStateChanged EventType = iota + 1
	// EventUnlockProgress reports gesture progress while locked.
	EventUnlockProgress
	// EventTimerUpdated reports the auto-unlock countdown.
	EventTimerUpdated
	// EventLockFailed reports a lock attempt that left the session unlocked.
	EventLockFailed
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventUnlockProgress:
		return "unlock_progress"
	case EventTimerUpdated:
		return "timer_updated"
	case EventLockFailed:
		return "lock_failed"
	default:
		return "unknown"
	}
}

// Event is what the session tells its Notifier. Only the fields relevant
// to Type are set.
type Event struct {
	Type EventType
	Time time.Time

	// EventStateChanged. Mode is the mode entered or left.
	Locked bool
	Mode   mode.Mode
	Reason Reason

	// EventUnlockProgress
	Count    int
	Required int

	// EventTimerUpdated
	Remaining time.Duration

	// EventLockFailed
	Err error
}

// Notifier receives session events on the session goroutine, in the order
// the transitions happen. Implementations must return quickly.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ev Event) { f(ev) }

// PermissionGate is queried before a hook is installed.
type PermissionGate interface {
	Granted() bool
	// Request asks the user for permission without waiting for an answer.
	Request()
}

// Overlay presents the lock on screen.
type Overlay interface {
	Show(m mode.Mode)
	Hide()
}
