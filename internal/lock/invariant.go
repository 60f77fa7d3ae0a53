package lock

import "fmt"

// checkInvariant enforces that no capture hook outlives an active lock.
// Debug builds (-tags debug) panic; release builds release the hook.
func (s *Session) checkInvariant() {
	if s.active || s.handle == nil {
		return
	}
	msg := fmt.Sprintf("capture hook %d installed while unlocked", s.handle.ID())
	if debugAssertions {
		panic(msg)
	}
	s.log.Error(msg + ", releasing")
	s.releaseHook()
}
