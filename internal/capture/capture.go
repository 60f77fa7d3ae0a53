// Package capture intercepts keyboard and pointer input at the OS level
// while a lock is active.
//
// Platform support:
//   - macOS: CGEventTap on the session event stream (requires Accessibility)
//   - Linux: exclusive evdev grab of keyboard and pointer devices, with
//     forwarded events re-injected through a uinput device (requires read
//     access to /dev/input and write access to /dev/uinput)
//
// A Hook installs a Filter and returns a Handle. The Filter's Decide method
// runs on the platform's capture context for every event and must never
// block. Anything that needs to change session state is posted out through
// the Filter's OnMatch callback.
package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an intercepted event.
type Kind uint8

const (
	// KindKeyDown is a regular key press or auto-repeat.
	KindKeyDown Kind = iota
	// KindKeyUp is a regular key release.
	KindKeyUp
	// KindFlagsChanged reports a change in modifier state.
	KindFlagsChanged
	// KindSystemDefined is a system key (media, power, eject...).
	KindSystemDefined
	// KindPointer is a pointer button transition or scroll.
	KindPointer
	// KindPointerMotion is pointer movement.
	KindPointerMotion
	// KindHookDisabled is the OS telling us it disabled the hook.
	KindHookDisabled
)

func (k Kind) String() string {
	switch k {
	case KindKeyDown:
		return "key-down"
	case KindKeyUp:
		return "key-up"
	case KindFlagsChanged:
		return "flags-changed"
	case KindSystemDefined:
		return "system-defined"
	case KindPointer:
		return "pointer"
	case KindPointerMotion:
		return "pointer-motion"
	case KindHookDisabled:
		return "hook-disabled"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Subtype classifies system-defined events.
type Subtype uint16

const (
	// SubtypeOther is any system-defined event that is not a media key.
	SubtypeOther Subtype = 0
	// SubtypeMedia covers play/pause, volume and brightness keys. The value
	// matches the macOS auxiliary control button subtype.
	SubtypeMedia Subtype = 8
)

// Modifiers is a bitmask of held modifier keys.
type Modifiers uint8

const (
	ModShift Modifiers = 1 << iota
	ModControl
	ModOption
	ModCommand
	ModCapsLock
)

// Has reports whether all bits of m2 are set in m.
func (m Modifiers) Has(m2 Modifiers) bool { return m2 != 0 && m&m2 == m2 }

func (m Modifiers) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, p := range []struct {
		bit  Modifiers
		name string
	}{
		{ModShift, "shift"},
		{ModControl, "control"},
		{ModOption, "option"},
		{ModCommand, "command"},
		{ModCapsLock, "capslock"},
	} {
		if m&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "+")
}

// ParseModifier parses the name of a single modifier key.
func ParseModifier(s string) (Modifiers, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "command", "cmd", "meta", "super":
		return ModCommand, nil
	case "control", "ctrl":
		return ModControl, nil
	case "option", "alt":
		return ModOption, nil
	case "shift":
		return ModShift, nil
	default:
		return 0, fmt.Errorf("unknown modifier %q", s)
	}
}

// Event is a platform-neutral view of one intercepted input event.
type Event struct {
	Kind      Kind
	Subtype   Subtype
	Modifiers Modifiers
	// Code is the platform key or button code, informational only.
	Code uint16
	Time time.Time
}

// Action is the verdict for one event.
type Action uint8

const (
	// Forward lets the event continue to its destination.
	Forward Action = iota
	// Suppress drops the event.
	Suppress
)

func (a Action) String() string {
	if a == Suppress {
		return "suppress"
	}
	return "forward"
}

// Hook installs the capture filter into the OS input pipeline.
type Hook interface {
	// Install arms the platform hook with f and returns the handle that
	// owns it. The filter starts receiving events before Install returns.
	Install(f *Filter) (Handle, error)
}

// Handle is an installed hook.
type Handle interface {
	// ID identifies the handle in the process-wide registry.
	ID() uint64
	// Rearm re-enables a hook the OS disabled. It is called from the
	// capture context and must not block.
	Rearm()
	// Close disables and removes the hook. It blocks until the capture
	// context has stopped calling the filter.
	Close() error
}

var (
	// ErrPermissionDenied means input monitoring permission is missing.
	ErrPermissionDenied = errors.New("input capture permission denied")

	// ErrHookInstallFailed means the OS refused to create the hook.
	ErrHookInstallFailed = errors.New("failed to install input hook")

	// ErrNotAvailable means capture is not supported on this platform.
	ErrNotAvailable = errors.New("input capture not available on this platform")

	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("capture handle closed")
)
