//go:build !linux

package notify

import "errors"

// ErrNotAvailable is returned by NewDesktop where no notification bus exists.
var ErrNotAvailable = errors.New("desktop notifications not available on this platform")

func newBus() (bus, error) { return nil, ErrNotAvailable }
