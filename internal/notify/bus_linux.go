//go:build linux

package notify

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsName  = "org.freedesktop.Notifications"
	notificationsPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsIface = "org.freedesktop.Notifications"

	appName = "keyboardlock"
	appIcon = "input-keyboard"
)

// dbusBus talks to org.freedesktop.Notifications on the session bus.
type dbusBus struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

func newBus() (bus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &dbusBus{conn: conn, obj: conn.Object(notificationsName, notificationsPath)}, nil
}

func (b *dbusBus) notify(m message) (uint32, error) {
	hints := map[string]dbus.Variant{
		"urgency":  dbus.MakeVariant(m.Urgency),
		"category": dbus.MakeVariant("device"),
	}
	if m.TimeoutMs == 0 {
		hints["resident"] = dbus.MakeVariant(true)
	}

	var id uint32
	err := b.obj.Call(notificationsIface+".Notify", 0,
		appName, m.Replaces, appIcon, m.Summary, m.Body, []string{}, hints, m.TimeoutMs,
	).Store(&id)
	if err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}
	return id, nil
}

func (b *dbusBus) closeNotification(id uint32) error {
	return b.obj.Call(notificationsIface+".CloseNotification", 0, id).Err
}

func (b *dbusBus) Close() error {
	return b.conn.Close()
}
