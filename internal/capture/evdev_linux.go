//go:build linux

package capture

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"strings"
	"time"
)

// Linux input event types and codes (linux/input-event-codes.h).
const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02
	evAbs = 0x03
	evMsc = 0x04

	synReport = 0

	relX           = 0x00
	relY           = 0x01
	relHWheel      = 0x06
	relWheel       = 0x08
	relWheelHiRes  = 0x0b
	relHWheelHiRes = 0x0c

	keyLeftCtrl   = 29
	keyLeftShift  = 42
	keyRightShift = 54
	keyLeftAlt    = 56
	keyCapsLock   = 58
	keyRightCtrl  = 97
	keyRightAlt   = 100
	keyLeftMeta   = 125
	keyRightMeta  = 126

	// BTN_MISC through the end of the digitizer block: mouse, joystick,
	// gamepad, touch contact and tool buttons.
	btnFirst = 0x100
	btnLeft  = 0x110
	btnTouch = 0x14a
	btnLast  = 0x15f

	absX      = 0x00
	absY      = 0x01
	absMTPosX = 0x35
	absMax    = 0x3f

	propMax = 0x1f

	keyMax = 0x2ff
)

// inputEventSize is sizeof(struct input_event) on 64-bit kernels.
const inputEventSize = 24

// rawEvent is a decoded struct input_event.
type rawEvent struct {
	Time  time.Time
	Type  uint16
	Code  uint16
	Value int32
}

func decodeEvent(b []byte) rawEvent {
	sec := int64(binary.LittleEndian.Uint64(b[0:8]))
	usec := int64(binary.LittleEndian.Uint64(b[8:16]))
	return rawEvent{
		Time:  time.Unix(sec, usec*int64(time.Microsecond)),
		Type:  binary.LittleEndian.Uint16(b[16:18]),
		Code:  binary.LittleEndian.Uint16(b[18:20]),
		Value: int32(binary.LittleEndian.Uint32(b[20:24])),
	}
}

// encodeEvent writes ev into b with a zero timestamp; the kernel stamps
// events written to uinput.
func encodeEvent(b []byte, typ, code uint16, value int32) {
	for i := 0; i < 16; i++ {
		b[i] = 0
	}
	binary.LittleEndian.PutUint16(b[16:18], typ)
	binary.LittleEndian.PutUint16(b[18:20], code)
	binary.LittleEndian.PutUint32(b[20:24], uint32(value))
}

var modifierKeys = map[uint16]Modifiers{
	keyLeftCtrl:   ModControl,
	keyRightCtrl:  ModControl,
	keyLeftShift:  ModShift,
	keyRightShift: ModShift,
	keyLeftAlt:    ModOption,
	keyRightAlt:   ModOption,
	keyLeftMeta:   ModCommand,
	keyRightMeta:  ModCommand,
	keyCapsLock:   ModCapsLock,
}

// mediaKeys are the codes treated as media keys: playback, volume,
// brightness and keyboard backlight.
var mediaKeys = map[uint16]bool{
	113: true, // KEY_MUTE
	114: true, // KEY_VOLUMEDOWN
	115: true, // KEY_VOLUMEUP
	163: true, // KEY_NEXTSONG
	164: true, // KEY_PLAYPAUSE
	165: true, // KEY_PREVIOUSSONG
	166: true, // KEY_STOPCD
	168: true, // KEY_REWIND
	200: true, // KEY_PLAYCD
	201: true, // KEY_PAUSECD
	208: true, // KEY_FASTFORWARD
	224: true, // KEY_BRIGHTNESSDOWN
	225: true, // KEY_BRIGHTNESSUP
	228: true, // KEY_KBDILLUMTOGGLE
	229: true, // KEY_KBDILLUMDOWN
	230: true, // KEY_KBDILLUMUP
	248: true, // KEY_MICMUTE
}

// systemKeys are system-defined keys that are not media keys.
var systemKeys = map[uint16]bool{
	116: true, // KEY_POWER
	142: true, // KEY_SLEEP
	143: true, // KEY_WAKEUP
	161: true, // KEY_EJECTCD
	205: true, // KEY_SUSPEND
}

// translator turns raw evdev events into capture events. It tracks which
// modifier keys are held across all grabbed devices and is only used from
// the dispatch goroutine.
type translator struct {
	held map[uint16]bool
}

func newTranslator() *translator {
	return &translator{held: make(map[uint16]bool)}
}

func (t *translator) modifiers() Modifiers {
	var m Modifiers
	for code, down := range t.held {
		if down {
			m |= modifierKeys[code]
		}
	}
	return m
}

// translate returns false for events that carry no input of their own
// (sync and scan code reports).
func (t *translator) translate(r rawEvent) (Event, bool) {
	ev := Event{Code: r.Code, Time: r.Time}

	switch r.Type {
	case evKey:
		if _, ok := modifierKeys[r.Code]; ok {
			t.held[r.Code] = r.Value != 0
			ev.Kind = KindFlagsChanged
			ev.Modifiers = t.modifiers()
			return ev, true
		}
		ev.Modifiers = t.modifiers()
		switch {
		case mediaKeys[r.Code]:
			ev.Kind = KindSystemDefined
			ev.Subtype = SubtypeMedia
		case systemKeys[r.Code]:
			ev.Kind = KindSystemDefined
			ev.Subtype = SubtypeOther
		case r.Code >= btnFirst && r.Code <= btnLast:
			ev.Kind = KindPointer
		case r.Value == 0:
			ev.Kind = KindKeyUp
		default:
			ev.Kind = KindKeyDown
		}
		return ev, true

	case evRel:
		switch r.Code {
		case relWheel, relHWheel, relWheelHiRes, relHWheelHiRes:
			ev.Kind = KindPointer
		default:
			ev.Kind = KindPointerMotion
		}
		return ev, true

	case evAbs:
		// Touchpad, tablet and touchscreen positions.
		ev.Kind = KindPointerMotion
		return ev, true
	}
	return ev, false
}

// inputDevice is one block of /proc/bus/input/devices.
type inputDevice struct {
	Name     string
	Path     string
	Keyboard bool
	Pointer  bool
}

// parseInputDevices reads the /proc/bus/input/devices format.
func parseInputDevices(r io.Reader) []inputDevice {
	var (
		devices []inputDevice
		cur     inputDevice
	)
	flush := func() {
		if cur.Path != "" && (cur.Keyboard || cur.Pointer) {
			devices = append(devices, cur)
		}
		cur = inputDevice{}
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "N: Name="):
			cur.Name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)
		case strings.HasPrefix(line, "H: Handlers="):
			for _, part := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				switch {
				case strings.HasPrefix(part, "event"):
					cur.Path = "/dev/input/" + part
				case part == "kbd":
					cur.Keyboard = true
				case strings.HasPrefix(part, "mouse"):
					cur.Pointer = true
				}
			}
		case line == "":
			flush()
		}
	}
	flush()
	return devices
}

// findDevices lists the evdev nodes to grab. Keyboards always, pointers
// only when requested.
func findDevices(withPointers bool) ([]inputDevice, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []inputDevice
	for _, d := range parseInputDevices(f) {
		if strings.HasPrefix(d.Name, uinputName) {
			continue
		}
		if d.Keyboard || (withPointers && d.Pointer) {
			out = append(out, d)
		}
	}
	return out, nil
}
