package capture

import "time"

// CGEventType values delivered to a session event tap.
const (
	cgLeftMouseDown     = 1
	cgLeftMouseUp       = 2
	cgRightMouseDown    = 3
	cgRightMouseUp      = 4
	cgMouseMoved        = 5
	cgLeftMouseDragged  = 6
	cgRightMouseDragged = 7
	cgKeyDown           = 10
	cgKeyUp             = 11
	cgFlagsChanged      = 12
	cgSystemDefined     = 14
	cgScrollWheel       = 22
	cgOtherMouseDown    = 25
	cgOtherMouseUp      = 26
	cgOtherMouseDragged = 27

	cgTapDisabledByTimeout   = 0xFFFFFFFE
	cgTapDisabledByUserInput = 0xFFFFFFFF
)

// CGEventFlags modifier masks.
const (
	cgFlagAlphaShift = 0x00010000
	cgFlagShift      = 0x00020000
	cgFlagControl    = 0x00040000
	cgFlagAlternate  = 0x00080000
	cgFlagCommand    = 0x00100000
)

// translateTapEvent maps raw event tap values to an Event. subtype is the
// NSEvent subtype of system-defined events and ignored otherwise.
func translateTapEvent(typ uint32, flags uint64, subtype int, at time.Time) Event {
	ev := Event{Time: at, Modifiers: tapModifiers(flags)}

	switch typ {
	case cgTapDisabledByTimeout, cgTapDisabledByUserInput:
		ev.Kind = KindHookDisabled
		ev.Modifiers = 0
	case cgKeyDown:
		ev.Kind = KindKeyDown
	case cgKeyUp:
		ev.Kind = KindKeyUp
	case cgFlagsChanged:
		ev.Kind = KindFlagsChanged
	case cgSystemDefined:
		ev.Kind = KindSystemDefined
		if subtype == int(SubtypeMedia) {
			ev.Subtype = SubtypeMedia
		} else {
			ev.Subtype = SubtypeOther
		}
	case cgLeftMouseDown, cgLeftMouseUp, cgRightMouseDown, cgRightMouseUp,
		cgOtherMouseDown, cgOtherMouseUp, cgScrollWheel:
		ev.Kind = KindPointer
	case cgMouseMoved, cgLeftMouseDragged, cgRightMouseDragged, cgOtherMouseDragged:
		ev.Kind = KindPointerMotion
	default:
		ev.Kind = KindKeyDown
	}
	return ev
}

func tapModifiers(flags uint64) Modifiers {
	var m Modifiers
	if flags&cgFlagShift != 0 {
		m |= ModShift
	}
	if flags&cgFlagControl != 0 {
		m |= ModControl
	}
	if flags&cgFlagAlternate != 0 {
		m |= ModOption
	}
	if flags&cgFlagCommand != 0 {
		m |= ModCommand
	}
	if flags&cgFlagAlphaShift != 0 {
		m |= ModCapsLock
	}
	return m
}
