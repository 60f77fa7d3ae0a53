package capture

import (
	"sync/atomic"
	"time"

	"keyboardlock/internal/gesture"
	"keyboardlock/internal/mode"
)

// FilterConfig configures a Filter.
type FilterConfig struct {
	Mode mode.Mode

	// Modifier is the key whose presses make up the unlock gesture.
	// Defaults to ModCommand.
	Modifier Modifiers

	// Detector receives the modifier level state. A default detector is
	// created when nil.
	Detector *gesture.Detector

	// OnMatch is called from the capture context when the gesture
	// completes. It must only post the request and return.
	OnMatch func()
}

// FilterStats is a snapshot of the filter's counters.
type FilterStats struct {
	Suppressed uint64
	Forwarded  uint64
	Rearmed    uint64
	Matches    uint64
}

// Filter decides per event whether it reaches the system. It is created
// for one lock and discarded when the lock ends.
type Filter struct {
	mode     mode.Mode
	modifier Modifiers
	detector *gesture.Detector
	onMatch  func()

	// handle is set by the hook before the first event is delivered.
	handle Handle

	suppressed atomic.Uint64
	forwarded  atomic.Uint64
	rearmed    atomic.Uint64
	matches    atomic.Uint64
}

// NewFilter creates a Filter. The detector is reset.
func NewFilter(cfg FilterConfig) *Filter {
	if cfg.Modifier == 0 {
		cfg.Modifier = ModCommand
	}
	if cfg.Detector == nil {
		cfg.Detector = gesture.New(gesture.Config{})
	}
	cfg.Detector.Reset()
	return &Filter{
		mode:     cfg.Mode,
		modifier: cfg.Modifier,
		detector: cfg.Detector,
		onMatch:  cfg.OnMatch,
	}
}

// Mode returns the lock mode the filter enforces.
func (f *Filter) Mode() mode.Mode { return f.mode }

// Modifier returns the gesture modifier.
func (f *Filter) Modifier() Modifiers { return f.modifier }

// Decide returns the verdict for ev.
func (f *Filter) Decide(ev Event) Action {
	a := f.decide(ev)
	if a == Suppress {
		f.suppressed.Add(1)
	} else {
		f.forwarded.Add(1)
	}
	return a
}

func (f *Filter) decide(ev Event) Action {
	switch ev.Kind {
	case KindHookDisabled:
		if f.handle != nil {
			f.handle.Rearm()
		}
		f.rearmed.Add(1)
		return Suppress

	case KindSystemDefined:
		if ev.Subtype == SubtypeMedia {
			return Suppress
		}
		return Forward

	case KindPointer:
		if f.mode.IncludesMouse() {
			return Suppress
		}
		return Forward

	case KindPointerMotion:
		return Forward

	case KindFlagsChanged:
		if f.detector.Observe(ev.Modifiers.Has(f.modifier), ev.Time) == gesture.Matched {
			f.matches.Add(1)
			if f.onMatch != nil {
				f.onMatch()
			}
			// Let the matching transition through so the OS sees the
			// modifier state it expects.
			return Forward
		}
		return Suppress

	default:
		return Suppress
	}
}

// GesturePresses returns the unlock presses counted so far that can
// still complete the gesture at now. Safe to call from any goroutine.
func (f *Filter) GesturePresses(now time.Time) int { return f.detector.Count(now) }

// Stats returns the filter counters. Safe to call from any goroutine.
func (f *Filter) Stats() FilterStats {
	return FilterStats{
		Suppressed: f.suppressed.Load(),
		Forwarded:  f.forwarded.Load(),
		Rearmed:    f.rearmed.Load(),
		Matches:    f.matches.Load(),
	}
}

func (f *Filter) bind(h Handle) { f.handle = h }
