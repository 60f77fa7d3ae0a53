// Package gesture detects the unlock gesture: a number of presses of a
// designated modifier key, each following the previous one within a
// rolling time window.
//
// The detector consumes the level state of the modifier (held or not) as
// reported on every modifier-flags event and derives press edges from it,
// so auto-repeat or a sustained press counts once. Observe and Reset are
// driven by a single goroutine (the capture callback); Count may be read
// from any goroutine.
package gesture

import (
	"sync"
	"time"
)

// Defaults for the unlock gesture.
const (
	DefaultRequired = 6
	DefaultWindow   = 2 * time.Second
)

// Signal is the outcome of a single observation.
type Signal uint8

const (
	// None means the observation was not a rising edge.
	None Signal = iota
	// Advanced means a rising edge was counted without completing the gesture.
	Advanced
	// Matched means the gesture completed. The count has already been reset.
	Matched
)

func (s Signal) String() string {
	switch s {
	case None:
		return "none"
	case Advanced:
		return "advanced"
	case Matched:
		return "matched"
	default:
		return "unknown"
	}
}

// Progress reports the current press count towards Required.
type Progress struct {
	Count    int
	Required int
}

// Config configures a Detector. Zero values select the defaults.
type Config struct {
	Required int
	Window   time.Duration

	// OnProgress is called synchronously for every counted edge and for
	// every reset. It must not block.
	OnProgress func(Progress)
}

// Detector is the gesture state machine.
type Detector struct {
	required   int
	window     time.Duration
	onProgress func(Progress)

	mu        sync.Mutex
	count     int
	lastPress time.Time
	hasLast   bool
	held      bool
}

// New creates a Detector.
func New(cfg Config) *Detector {
	if cfg.Required <= 0 {
		cfg.Required = DefaultRequired
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Detector{
		required:   cfg.Required,
		window:     cfg.Window,
		onProgress: cfg.OnProgress,
	}
}

// Required returns the number of presses that complete the gesture.
func (d *Detector) Required() int { return d.required }

// Window returns the maximum gap allowed between consecutive presses.
func (d *Detector) Window() time.Duration { return d.window }

// Observe feeds the modifier level state seen at time at.
//
// Edge detection follows call order. The timestamp is only compared
// against the previous press to decide whether the window was kept.
func (d *Detector) Observe(pressed bool, at time.Time) Signal {
	d.mu.Lock()
	sig, counts := d.observe(pressed, at)
	d.mu.Unlock()
	// Callbacks run outside the lock so they may call Count.
	for _, c := range counts {
		d.emit(c)
	}
	return sig
}

func (d *Detector) observe(pressed bool, at time.Time) (Signal, []int) {
	if !pressed {
		d.held = false
		return None, nil
	}
	if d.held {
		return None, nil
	}
	d.held = true

	if d.hasLast && at.Sub(d.lastPress) < d.window {
		d.count++
	} else {
		d.count = 1
	}
	d.lastPress = at
	d.hasLast = true

	if d.count >= d.required {
		// The modifier is still physically held, so held stays true and
		// the release that follows is not mistaken for a new press.
		reached := d.count
		d.count = 0
		d.hasLast = false
		return Matched, []int{reached, 0}
	}
	return Advanced, []int{d.count}
}

// Reset clears all gesture state and reports zero progress.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.count = 0
	d.lastPress = time.Time{}
	d.hasLast = false
	d.held = false
	d.mu.Unlock()
	d.emit(0)
}

// Count returns the press count as it stands at now. A count whose last
// press is older than the window is reported as zero since it can no
// longer contribute to a match.
func (d *Detector) Count(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasLast || now.Sub(d.lastPress) >= d.window {
		return 0
	}
	return d.count
}

func (d *Detector) emit(count int) {
	if d.onProgress != nil {
		d.onProgress(Progress{Count: count, Required: d.required})
	}
}
