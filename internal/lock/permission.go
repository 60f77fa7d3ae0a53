package lock

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// AwaitPermission re-checks gate every interval until it reports granted,
// within has elapsed or ctx is done. It reports whether permission was
// granted. It never locks on its own.
func AwaitPermission(ctx context.Context, gate PermissionGate, clk clock.WithTicker, interval, within time.Duration) bool {
	if gate.Granted() {
		return true
	}
	t := clk.NewTicker(interval)
	defer t.Stop()

	deadline := clk.Now().Add(within)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C():
			if gate.Granted() {
				return true
			}
			if !clk.Now().Before(deadline) {
				return false
			}
		}
	}
}
