package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"keyboardlock/internal/lock"
	"keyboardlock/internal/mode"
)

// Urgency levels of the freedesktop notification spec.
const (
	urgencyLow      byte = 0
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

// message is one desktop notification.
type message struct {
	Replaces uint32
	Summary  string
	Body     string
	Urgency  byte
	// TimeoutMs of 0 keeps the notification until it is closed.
	TimeoutMs int32
}

// bus is the notification daemon connection.
type bus interface {
	notify(m message) (uint32, error)
	closeNotification(id uint32) error
	Close() error
}

// DesktopConfig configures a Desktop.
type DesktopConfig struct {
	// UnlockHint is shown on the lock notification of modes offering an
	// unlock button.
	UnlockHint string
	Logger     *slog.Logger
}

// Desktop shows system notifications for lock failures and stands in for
// the lock overlay with a persistent notification. It implements both
// lock.Notifier and lock.Overlay. Calls return immediately; delivery runs
// on an internal goroutine in call order.
type Desktop struct {
	bus  bus
	cfg  DesktopConfig
	log  *slog.Logger
	jobs chan func()
	done chan struct{}

	mu     sync.Mutex
	closed bool

	// lockedID is only touched by the job goroutine.
	lockedID uint32
}

// NewDesktop connects to the desktop notification service.
func NewDesktop(cfg DesktopConfig) (*Desktop, error) {
	b, err := newBus()
	if err != nil {
		return nil, err
	}
	return newDesktop(b, cfg), nil
}

func newDesktop(b bus, cfg DesktopConfig) *Desktop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Desktop{
		bus:  b,
		cfg:  cfg,
		log:  cfg.Logger.With("component", "desktop"),
		jobs: make(chan func(), 32),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Desktop) run() {
	defer close(d.done)
	for job := range d.jobs {
		job()
	}
}

// enqueue drops jobs submitted after Close.
func (d *Desktop) enqueue(job func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.jobs <- job
}

func (d *Desktop) send(m message) uint32 {
	id, err := d.bus.notify(m)
	if err != nil {
		d.log.Warn("desktop notification failed", "summary", m.Summary, "error", err)
		return 0
	}
	return id
}

// Show implements lock.Overlay.
func (d *Desktop) Show(m mode.Mode) {
	body := m.DisplayName()
	if m.ShowsUnlockButton() && d.cfg.UnlockHint != "" {
		body += "\n" + d.cfg.UnlockHint
	}
	d.enqueue(func() {
		d.lockedID = d.send(message{
			Replaces: d.lockedID,
			Summary:  "Keyboard locked",
			Body:     body,
			Urgency:  urgencyNormal,
		})
	})
}

// Hide implements lock.Overlay.
func (d *Desktop) Hide() {
	d.enqueue(func() {
		if d.lockedID == 0 {
			return
		}
		if err := d.bus.closeNotification(d.lockedID); err != nil {
			d.log.Debug("close notification", "error", err)
		}
		d.lockedID = 0
	})
}

// Notify implements lock.Notifier. Only failures produce a notification;
// the lock itself is presented through Show.
func (d *Desktop) Notify(ev lock.Event) {
	if ev.Type != lock.EventLockFailed || ev.Err == nil {
		return
	}
	summary := "Keyboard lock failed"
	if errors.Is(ev.Err, lock.ErrPermissionDenied) {
		summary = "Keyboard lock needs permission"
	}
	body := fmt.Sprintf("%s: %v", ev.Mode.DisplayName(), ev.Err)
	d.enqueue(func() {
		d.send(message{Summary: summary, Body: body, Urgency: urgencyCritical, TimeoutMs: 10000})
	})
}

// PermissionHint shows how to grant input capture permission.
func (d *Desktop) PermissionHint(hint string) {
	d.enqueue(func() {
		d.send(message{Summary: "Input permission required", Body: hint, Urgency: urgencyLow, TimeoutMs: 15000})
	})
}

// Close flushes pending notifications and disconnects.
func (d *Desktop) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	<-d.done
	return d.bus.Close()
}
