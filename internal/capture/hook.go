package capture

import "log/slog"

// Options configures the platform hook and permission gate.
type Options struct {
	// Devices lists evdev nodes to grab instead of discovering them.
	// Linux only.
	Devices []string

	// OnPermissionRequest receives a human readable hint when permission
	// has to be granted by the user. Optional.
	OnPermissionRequest func(hint string)

	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Permission is the platform permission gate for input capture.
type Permission struct {
	opts Options
}

// NewPermission creates the permission gate for this platform.
func NewPermission(opts Options) *Permission {
	return &Permission{opts: opts}
}

// Granted reports whether a hook could be installed right now.
func (p *Permission) Granted() bool {
	ok, _ := platformPermission(p.opts)
	return ok
}

// Status returns Granted together with a description.
func (p *Permission) Status() (bool, string) {
	return platformPermission(p.opts)
}

// Request asks the user to grant permission. It never blocks on the
// user's answer.
func (p *Permission) Request() {
	hint := platformRequestPermission(p.opts)
	p.opts.logger().Warn("input capture permission required", "hint", hint)
	if p.opts.OnPermissionRequest != nil {
		p.opts.OnPermissionRequest(hint)
	}
}

// NewHook returns the OS capture hook for this platform.
func NewHook(opts Options) Hook {
	return newPlatformHook(opts)
}
