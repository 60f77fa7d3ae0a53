//go:build darwin

package capture

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework ApplicationServices -framework AppKit -framework Foundation

#include <stdint.h>
#include "tap_darwin.h"
*/
import "C"

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type darwinHook struct {
	opts Options
	log  *slog.Logger
}

func newPlatformHook(opts Options) Hook {
	return &darwinHook{opts: opts, log: opts.logger().With("component", "capture")}
}

// Install creates a session event tap. The tap runs on its own thread
// with a dedicated run loop; the callback reaches the filter through the
// handle registry using the handle id as tap context.
func (d *darwinHook) Install(f *Filter) (Handle, error) {
	if C.klAccessibilityTrusted(0) != 1 {
		return nil, ErrPermissionDenied
	}

	h := &darwinHandle{id: handles.reserve(), filter: f, log: d.log}
	f.bind(h)
	// Registered before the tap exists so the first callback finds it.
	handles.put(h.id, h)

	includeMouse := C.int(0)
	if f.Mode().IncludesMouse() {
		includeMouse = 1
	}

	var status C.int
	tap := C.klTapCreate(C.uint64_t(h.id), includeMouse, &status)
	if tap == nil {
		handles.remove(h.id)
		switch status {
		case C.KL_TAP_CREATE_FAILED:
			return nil, fmt.Errorf("%w: event tap creation refused, check Input Monitoring permission", ErrHookInstallFailed)
		case C.KL_TAP_SOURCE_FAILED:
			return nil, fmt.Errorf("%w: run loop source", ErrHookInstallFailed)
		case C.KL_TAP_THREAD_FAILED:
			return nil, fmt.Errorf("%w: run loop thread", ErrHookInstallFailed)
		default:
			return nil, fmt.Errorf("%w: timeout waiting for event tap", ErrHookInstallFailed)
		}
	}

	h.mu.Lock()
	h.tap = tap
	h.mu.Unlock()

	d.log.Info("event tap installed", "mode", f.Mode().String())
	return h, nil
}

type darwinHandle struct {
	id     uint64
	filter *Filter
	log    *slog.Logger

	mu     sync.Mutex
	tap    *C.klTap
	closed atomic.Bool
}

func (h *darwinHandle) ID() uint64 { return h.id }

// Rearm re-enables the tap from inside its own callback, which
// CGEventTapEnable allows.
func (h *darwinHandle) Rearm() {
	if h.closed.Load() {
		return
	}
	if h.mu.TryLock() {
		tap := h.tap
		h.mu.Unlock()
		C.klTapEnable(tap)
	}
}

func (h *darwinHandle) Close() error {
	if h.closed.Swap(true) {
		return ErrClosed
	}
	h.mu.Lock()
	tap := h.tap
	h.tap = nil
	h.mu.Unlock()

	C.klTapDestroy(tap)
	handles.remove(h.id)
	h.log.Info("event tap removed")
	return nil
}

//export goCaptureEvent
func goCaptureEvent(id C.uint64_t, typ C.uint32_t, flags C.uint64_t, subtype C.int) C.int {
	h, ok := handles.get(uint64(id))
	if !ok {
		return 0
	}
	dh, ok := h.(*darwinHandle)
	if !ok || dh.closed.Load() {
		return 0
	}
	ev := translateTapEvent(uint32(typ), uint64(flags), int(subtype), time.Now())
	if dh.filter.Decide(ev) == Suppress {
		return 1
	}
	return 0
}

func platformPermission(Options) (bool, string) {
	if C.klAccessibilityTrusted(0) == 1 {
		return true, "accessibility permission granted"
	}
	return false, "accessibility permission required"
}

func platformRequestPermission(Options) string {
	C.klAccessibilityTrusted(1)
	return "grant access in System Settings > Privacy & Security > Accessibility, then lock again"
}
