//go:build linux

package capture

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// EVIOCGBIT(EV_ABS, 8) = _IOC(_IOC_READ, 'E', 0x20+EV_ABS, 8)
	eviocGBitAbs = 0x80084523
	// EVIOCGABS(0) = _IOR('E', 0x40, struct input_absinfo); add the axis.
	eviocGAbs = 0x80184540
	// EVIOCGPROP(4) = _IOC(_IOC_READ, 'E', 0x09, 4)
	eviocGProp = 0x80044509
)

// absInfo is struct input_absinfo.
type absInfo struct {
	Value      int32
	Minimum    int32
	Maximum    int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

type absAxis struct {
	Code uint16
	Info absInfo
}

// absLayout is what the passthrough device needs to reproduce absolute
// pointers: the axes with their ranges and the input properties.
type absLayout struct {
	Axes  []absAxis
	Props []uint16
}

func (l absLayout) empty() bool { return len(l.Axes) == 0 }

// setBits lists the bit numbers set in a kernel bitmap, up to max.
func setBits(b []byte, max int) []uint16 {
	var out []uint16
	for i := 0; i <= max && i/8 < len(b); i++ {
		if b[i/8]&(1<<(i%8)) != 0 {
			out = append(out, uint16(i))
		}
	}
	return out
}

// mergeAbsLayouts combines the layouts of several grabbed devices. The
// first device that reports an axis decides its range.
func mergeAbsLayouts(layouts []absLayout) absLayout {
	var (
		merged    absLayout
		seenAxis  = make(map[uint16]bool)
		seenProps = make(map[uint16]bool)
	)
	for _, l := range layouts {
		for _, ax := range l.Axes {
			if !seenAxis[ax.Code] {
				seenAxis[ax.Code] = true
				merged.Axes = append(merged.Axes, ax)
			}
		}
		if l.empty() {
			continue
		}
		for _, p := range l.Props {
			if !seenProps[p] {
				seenProps[p] = true
				merged.Props = append(merged.Props, p)
			}
		}
	}
	return merged
}

func ioctlPtr(fd int, req uintptr, p unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(p)); errno != 0 {
		return errno
	}
	return nil
}

// readAbsLayout queries the absolute axes of an evdev device. Devices
// without EV_ABS return an empty layout.
func readAbsLayout(f *os.File) (absLayout, error) {
	var layout absLayout
	err := control(f, func(fd int) error {
		var bits [absMax/8 + 1]byte
		if err := ioctlPtr(fd, eviocGBitAbs, unsafe.Pointer(&bits[0])); err != nil {
			return err
		}
		for _, code := range setBits(bits[:], absMax) {
			var info absInfo
			if err := ioctlPtr(fd, eviocGAbs+uintptr(code), unsafe.Pointer(&info)); err != nil {
				return err
			}
			layout.Axes = append(layout.Axes, absAxis{Code: code, Info: info})
		}
		var props [propMax/8 + 1]byte
		if err := ioctlPtr(fd, eviocGProp, unsafe.Pointer(&props[0])); err == nil {
			layout.Props = setBits(props[:], propMax)
		}
		return nil
	})
	return layout, err
}
