//go:build !linux && !darwin

package capture

type unsupportedHook struct{}

func newPlatformHook(Options) Hook { return unsupportedHook{} }

func (unsupportedHook) Install(*Filter) (Handle, error) {
	return nil, ErrNotAvailable
}

func platformPermission(Options) (bool, string) {
	return false, "input capture is not supported on this platform"
}

func platformRequestPermission(Options) string {
	return "input capture is not supported on this platform"
}
