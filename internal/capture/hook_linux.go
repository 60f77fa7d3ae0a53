//go:build linux

package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// EVIOCGRAB = _IOW('E', 0x90, int)
	eviocGrab = 0x40044590
	// EVIOCGKEY(len) = _IOC(_IOC_READ, 'E', 0x18, len) with len = KEY_MAX/8+1
	eviocGKey = 0x80604518

	keyStateLen = keyMax/8 + 1

	// releaseWait bounds how long Install waits for keys that are held
	// when the lock starts (typically the Enter that ran the command).
	releaseWait = 750 * time.Millisecond
	eventQueue  = 256
)

type linuxHook struct {
	opts Options
	log  *slog.Logger
}

func newPlatformHook(opts Options) Hook {
	return &linuxHook{opts: opts, log: opts.logger().With("component", "capture")}
}

func (l *linuxHook) devicePaths(withPointers bool) ([]string, error) {
	if len(l.opts.Devices) > 0 {
		return l.opts.Devices, nil
	}
	devices, err := findDevices(withPointers)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(devices))
	for _, d := range devices {
		paths = append(paths, d.Path)
	}
	return paths, nil
}

// Install grabs every keyboard (and pointer, if the mode includes mouse)
// so no other reader sees its events.
func (l *linuxHook) Install(f *Filter) (Handle, error) {
	paths, err := l.devicePaths(f.Mode().IncludesMouse())
	if err != nil {
		return nil, fmt.Errorf("%w: discover devices: %v", ErrHookInstallFailed, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no input devices found", ErrHookInstallFailed)
	}

	h := &linuxHandle{
		id:     handles.reserve(),
		filter: f,
		log:    l.log,
		tr:     newTranslator(),
		events: make(chan rawEvent, eventQueue),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	denied := 0
	for _, p := range paths {
		file, err := os.OpenFile(p, os.O_RDONLY, 0)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				denied++
			}
			l.log.Debug("skip input device", "path", p, "error", err)
			continue
		}
		h.files = append(h.files, file)
	}
	if len(h.files) == 0 {
		if denied > 0 {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("%w: no input device could be opened", ErrHookInstallFailed)
	}

	for _, file := range h.files {
		waitKeysReleased(file, releaseWait)
	}
	for _, file := range h.files {
		if err := setGrab(file, true); err != nil {
			h.closeFiles()
			return nil, fmt.Errorf("%w: grab %s: %v", ErrHookInstallFailed, file.Name(), err)
		}
	}

	layouts := make([]absLayout, 0, len(h.files))
	for _, file := range h.files {
		layout, err := readAbsLayout(file)
		if err != nil {
			l.log.Debug("read absolute axes", "path", file.Name(), "error", err)
			continue
		}
		layouts = append(layouts, layout)
	}
	out, err := newUinputDevice(mergeAbsLayouts(layouts))
	if err != nil {
		// Without uinput the lock still holds; forwarded events are lost.
		l.log.Warn("event passthrough unavailable", "error", err)
	}
	h.out = out

	f.bind(h)
	handles.put(h.id, h)

	go h.dispatch()
	for _, file := range h.files {
		h.readers.Add(1)
		go h.read(file)
	}

	l.log.Info("input devices grabbed", "count", len(h.files), "mode", f.Mode().String())
	return h, nil
}

// waitKeysReleased polls the device key state until no key is down or the
// timeout passes. Grabbing while a key is down would swallow its release.
func waitKeysReleased(f *os.File, timeout time.Duration) {
	var state [keyStateLen]byte
	deadline := time.Now().Add(timeout)
	for {
		err := control(f, func(fd int) error {
			_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocGKey, uintptr(unsafe.Pointer(&state[0])))
			if errno != 0 {
				return errno
			}
			return nil
		})
		if err != nil || allZero(state[:]) || time.Now().After(deadline) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// control runs fn on the raw descriptor without taking it out of
// non-blocking mode, which os.File.Fd would do.
func control(f *os.File, fn func(fd int) error) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

func setGrab(f *os.File, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return control(f, func(fd int) error { return unix.IoctlSetInt(fd, eviocGrab, v) })
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

type linuxHandle struct {
	id     uint64
	filter *Filter
	log    *slog.Logger
	tr     *translator
	files  []*os.File
	out    *uinputDevice

	events  chan rawEvent
	stop    chan struct{}
	done    chan struct{}
	readers sync.WaitGroup
	closed  atomic.Bool
}

func (h *linuxHandle) ID() uint64 { return h.id }

// Rearm re-issues the grab. The kernel never drops a grab on its own, so
// this only matters after a device was reopened by the system.
func (h *linuxHandle) Rearm() {
	for _, f := range h.files {
		setGrab(f, true)
	}
}

func (h *linuxHandle) read(f *os.File) {
	defer h.readers.Done()

	buf := make([]byte, inputEventSize*64)
	for {
		n, err := f.Read(buf)
		if err != nil {
			if !h.closed.Load() {
				h.log.Warn("input device read failed", "path", f.Name(), "error", err)
			}
			return
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			select {
			case h.events <- decodeEvent(buf[off : off+inputEventSize]):
			case <-h.stop:
				return
			}
		}
	}
}

// dispatch is the capture context: the only goroutine calling the filter.
func (h *linuxHandle) dispatch() {
	defer close(h.done)

	pending := false
	for {
		select {
		case <-h.stop:
			return
		case r := <-h.events:
			if r.Type == evSyn && r.Code == synReport {
				if pending && h.out != nil {
					h.out.sync()
				}
				pending = false
				continue
			}
			ev, ok := h.tr.translate(r)
			if !ok {
				continue
			}
			if h.filter.Decide(ev) == Forward && h.out != nil {
				if err := h.out.write(r.Type, r.Code, r.Value); err == nil {
					pending = true
				}
			}
		}
	}
}

func (h *linuxHandle) closeFiles() {
	for _, f := range h.files {
		setGrab(f, false)
		f.Close()
	}
}

func (h *linuxHandle) Close() error {
	if h.closed.Swap(true) {
		return ErrClosed
	}
	h.closeFiles()
	close(h.stop)
	h.readers.Wait()
	<-h.done
	if h.out != nil {
		h.out.Close()
	}
	handles.remove(h.id)
	h.log.Info("input devices released", "count", len(h.files))
	return nil
}

func platformPermission(opts Options) (bool, string) {
	paths := opts.Devices
	if len(paths) == 0 {
		devices, err := findDevices(false)
		if err != nil {
			return false, fmt.Sprintf("cannot list input devices: %v", err)
		}
		for _, d := range devices {
			paths = append(paths, d.Path)
		}
	}
	if len(paths) == 0 {
		return false, "no keyboard devices found"
	}
	for _, p := range paths {
		f, err := os.OpenFile(p, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("keyboard device readable: %s", p)
		}
	}
	return false, "cannot read keyboard devices"
}

func platformRequestPermission(Options) string {
	return "add your user to the 'input' group (sudo usermod -aG input $USER) and allow access to /dev/uinput, then log in again"
}
