//go:build linux

package capture

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uinput ioctls (linux/uinput.h).
const (
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502
	uiDevSetup   = 0x405c5503
	uiSetEvBit   = 0x40045564
	uiSetKeyBit  = 0x40045565
	uiSetRelBit  = 0x40045566
	uiSetAbsBit  = 0x40045567
	uiSetPropBit = 0x4004556e
	// UI_ABS_SETUP = _IOW('U', 4, struct uinput_abs_setup)
	uiAbsSetup = 0x401c5504

	busVirtual = 0x06
)

const uinputName = "keyboardlock passthrough"

type inputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

type uinputSetup struct {
	ID           inputID
	Name         [80]byte
	FFEffectsMax uint32
}

type uinputAbsSetup struct {
	Code uint16
	_    uint16
	Info absInfo
}

// uinputDevice re-injects events the filter forwards from grabbed devices.
type uinputDevice struct {
	f   *os.File
	buf [inputEventSize]byte
}

// newUinputDevice creates the passthrough device. A non-empty abs layout
// adds the absolute axes of grabbed touchpads and tablets.
func newUinputDevice(abs absLayout) (*uinputDevice, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/uinput: %w", err)
	}
	fd := int(f.Fd())

	fail := func(what string, err error) (*uinputDevice, error) {
		f.Close()
		return nil, fmt.Errorf("uinput %s: %w", what, err)
	}

	evBits := []int{evSyn, evKey, evRel}
	if !abs.empty() {
		evBits = append(evBits, evAbs)
	}
	for _, ev := range evBits {
		if err := unix.IoctlSetInt(fd, uiSetEvBit, ev); err != nil {
			return fail("set evbit", err)
		}
	}
	for code := 1; code <= keyMax; code++ {
		if err := unix.IoctlSetInt(fd, uiSetKeyBit, code); err != nil {
			return fail("set keybit", err)
		}
	}
	for _, rel := range []int{relX, relY, relHWheel, relWheel, relWheelHiRes, relHWheelHiRes} {
		if err := unix.IoctlSetInt(fd, uiSetRelBit, rel); err != nil {
			return fail("set relbit", err)
		}
	}

	for _, ax := range abs.Axes {
		if err := unix.IoctlSetInt(fd, uiSetAbsBit, int(ax.Code)); err != nil {
			return fail("set absbit", err)
		}
	}
	for _, p := range abs.Props {
		if err := unix.IoctlSetInt(fd, uiSetPropBit, int(p)); err != nil {
			return fail("set propbit", err)
		}
	}

	setup := uinputSetup{ID: inputID{Bustype: busVirtual, Vendor: 0x1d6b, Product: 0x4b4c, Version: 1}}
	copy(setup.Name[:], uinputName)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uiDevSetup, uintptr(unsafe.Pointer(&setup))); errno != 0 {
		return fail("dev setup", errno)
	}
	for _, ax := range abs.Axes {
		as := uinputAbsSetup{Code: ax.Code, Info: ax.Info}
		if err := ioctlPtr(fd, uiAbsSetup, unsafe.Pointer(&as)); err != nil {
			return fail("abs setup", err)
		}
	}
	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		return fail("dev create", err)
	}
	return &uinputDevice{f: f}, nil
}

func (u *uinputDevice) write(typ, code uint16, value int32) error {
	encodeEvent(u.buf[:], typ, code, value)
	_, err := u.f.Write(u.buf[:])
	return err
}

func (u *uinputDevice) sync() error {
	return u.write(evSyn, synReport, 0)
}

func (u *uinputDevice) Close() error {
	unix.IoctlSetInt(int(u.f.Fd()), uiDevDestroy, 0)
	return u.f.Close()
}
