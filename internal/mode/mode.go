// Package mode defines the lock modes a session can run in.
//
// A mode controls which device classes are intercepted and how the lock
// is presented. The derived attributes are fixed per mode and read from a
// table so callers can switch on them exhaustively.
package mode

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is one of the closed set of lock modes.
type Mode uint8

const (
	// Keyboard locks the keyboard and shows the overlay with an unlock button.
	Keyboard Mode = iota
	// KeyboardAndMouse locks keyboard and pointer buttons/scroll.
	KeyboardAndMouse
	// KeyboardSilent locks the keyboard without any overlay.
	KeyboardSilent
	// KeyboardAndMouseSilent locks keyboard and pointer without any overlay.
	KeyboardAndMouseSilent
)

// Default is the mode used when nothing else is configured.
const Default = Keyboard

// ErrInvalidMode is returned by Parse for unrecognized mode strings.
var ErrInvalidMode = errors.New("invalid lock mode")

type attributes struct {
	name              string
	display           string
	includesMouse     bool
	showsOverlay      bool
	showsUnlockButton bool
}

var table = [...]attributes{
	Keyboard: {
		name:              "keyboard",
		display:           "Keyboard Only",
		showsOverlay:      true,
		showsUnlockButton: true,
	},
	KeyboardAndMouse: {
		name:          "keyboard-mouse",
		display:       "Keyboard + Mouse",
		includesMouse: true,
		showsOverlay:  true,
	},
	KeyboardSilent: {
		name:    "keyboard-silent",
		display: "Keyboard Only (Silent)",
	},
	KeyboardAndMouseSilent: {
		name:          "keyboard-mouse-silent",
		display:       "Keyboard + Mouse (Silent)",
		includesMouse: true,
	},
}

// All returns every mode in declaration order.
func All() []Mode {
	return []Mode{Keyboard, KeyboardAndMouse, KeyboardSilent, KeyboardAndMouseSilent}
}

func (m Mode) attrs() attributes {
	if int(m) < len(table) {
		return table[m]
	}
	return attributes{name: fmt.Sprintf("mode(%d)", uint8(m))}
}

// Valid reports whether m is one of the declared modes.
func (m Mode) Valid() bool { return int(m) < len(table) }

// String returns the wire name of the mode, e.g. "keyboard-mouse".
func (m Mode) String() string { return m.attrs().name }

// DisplayName returns a human readable label.
func (m Mode) DisplayName() string { return m.attrs().display }

// IncludesMouse reports whether pointer buttons and scrolling are intercepted.
func (m Mode) IncludesMouse() bool { return m.attrs().includesMouse }

// ShowsOverlay reports whether the lock overlay is displayed.
func (m Mode) ShowsOverlay() bool { return m.attrs().showsOverlay }

// ShowsUnlockButton reports whether the overlay offers an unlock button.
func (m Mode) ShowsUnlockButton() bool { return m.attrs().showsUnlockButton }

// Parse converts a wire name into a Mode. Matching is case-insensitive and
// ignores surrounding whitespace.
func Parse(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, a := range table {
		if a.name == s {
			return Mode(i), nil
		}
	}
	return Default, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ParseOr parses s and falls back to def for unrecognized input.
func ParseOr(s string, def Mode) Mode {
	m, err := Parse(s)
	if err != nil {
		return def
	}
	return m
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, uint8(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
