package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyboardlock/internal/gesture"
	"keyboardlock/internal/mode"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Decisions per event kind
// =============================================================================

func TestFilterKeyboardEventsSuppressed(t *testing.T) {
	for _, m := range mode.All() {
		f := NewFilter(FilterConfig{Mode: m})
		assert.Equal(t, Suppress, f.Decide(Event{Kind: KindKeyDown, Code: 4, Time: t0}), m.String())
		assert.Equal(t, Suppress, f.Decide(Event{Kind: KindKeyUp, Code: 4, Time: t0}), m.String())
	}
}

func TestFilterPointerFollowsMode(t *testing.T) {
	for _, m := range mode.All() {
		f := NewFilter(FilterConfig{Mode: m})
		want := Forward
		if m.IncludesMouse() {
			want = Suppress
		}
		for i := 0; i < 5; i++ {
			assert.Equal(t, want, f.Decide(Event{Kind: KindPointer, Time: t0}), m.String())
		}
		assert.Equal(t, Forward, f.Decide(Event{Kind: KindPointerMotion, Time: t0}), m.String())
	}
}

func TestFilterSystemDefined(t *testing.T) {
	f := NewFilter(FilterConfig{Mode: mode.Keyboard})
	assert.Equal(t, Suppress, f.Decide(Event{Kind: KindSystemDefined, Subtype: SubtypeMedia}))
	assert.Equal(t, Forward, f.Decide(Event{Kind: KindSystemDefined, Subtype: SubtypeOther}))
	assert.Equal(t, Forward, f.Decide(Event{Kind: KindSystemDefined, Subtype: 7}))
}

func TestFilterHookDisabledRearms(t *testing.T) {
	hook := NewSimulatedHook()
	f := NewFilter(FilterConfig{Mode: mode.Keyboard})
	h, err := hook.Install(f)
	require.NoError(t, err)
	defer h.Close()

	sh := h.(*SimulatedHandle)
	assert.Equal(t, Suppress, sh.Inject(Event{Kind: KindHookDisabled}))
	assert.Equal(t, 1, sh.Rearms())
	assert.Equal(t, uint64(1), f.Stats().Rearmed)
}

func TestFilterFlagsChangedSuppressedUntilMatch(t *testing.T) {
	matches := 0
	f := NewFilter(FilterConfig{
		Mode:    mode.KeyboardAndMouseSilent,
		OnMatch: func() { matches++ },
	})

	at := t0
	for i := 0; i < 5; i++ {
		assert.Equal(t, Suppress, f.Decide(Event{Kind: KindFlagsChanged, Modifiers: ModCommand, Time: at}))
		assert.Equal(t, Suppress, f.Decide(Event{Kind: KindFlagsChanged, Time: at.Add(80 * time.Millisecond)}))
		at = at.Add(time.Second)
	}
	assert.Equal(t, 0, matches)

	assert.Equal(t, Forward, f.Decide(Event{Kind: KindFlagsChanged, Modifiers: ModCommand, Time: at}))
	assert.Equal(t, 1, matches)
	assert.Equal(t, uint64(1), f.Stats().Matches)

	// The release after the match is an ordinary suppressed transition.
	assert.Equal(t, Suppress, f.Decide(Event{Kind: KindFlagsChanged, Time: at.Add(80 * time.Millisecond)}))
	assert.Equal(t, 1, matches)
}

func TestFilterOtherModifiersDoNotCount(t *testing.T) {
	matches := 0
	f := NewFilter(FilterConfig{Mode: mode.Keyboard, OnMatch: func() { matches++ }})

	at := t0
	for i := 0; i < 10; i++ {
		f.Decide(Event{Kind: KindFlagsChanged, Modifiers: ModShift, Time: at})
		f.Decide(Event{Kind: KindFlagsChanged, Time: at.Add(10 * time.Millisecond)})
		at = at.Add(100 * time.Millisecond)
	}
	assert.Equal(t, 0, matches)
}

func TestFilterCustomModifier(t *testing.T) {
	var progress []gesture.Progress
	det := gesture.New(gesture.Config{Required: 2, OnProgress: func(p gesture.Progress) { progress = append(progress, p) }})
	matches := 0
	f := NewFilter(FilterConfig{Mode: mode.Keyboard, Modifier: ModControl, Detector: det, OnMatch: func() { matches++ }})

	f.Decide(Event{Kind: KindFlagsChanged, Modifiers: ModControl | ModShift, Time: t0})
	f.Decide(Event{Kind: KindFlagsChanged, Modifiers: ModShift, Time: t0.Add(50 * time.Millisecond)})
	assert.Equal(t, Forward, f.Decide(Event{Kind: KindFlagsChanged, Modifiers: ModControl, Time: t0.Add(500 * time.Millisecond)}))
	assert.Equal(t, 1, matches)

	// NewFilter resets the detector, then two edges and the post-match reset.
	assert.Equal(t, []gesture.Progress{{Count: 0, Required: 2}, {Count: 1, Required: 2}, {Count: 2, Required: 2}, {Count: 0, Required: 2}}, progress)
}

func TestFilterStats(t *testing.T) {
	f := NewFilter(FilterConfig{Mode: mode.Keyboard})
	f.Decide(Event{Kind: KindKeyDown})
	f.Decide(Event{Kind: KindKeyUp})
	f.Decide(Event{Kind: KindPointer})

	s := f.Stats()
	assert.Equal(t, uint64(2), s.Suppressed)
	assert.Equal(t, uint64(1), s.Forwarded)
}

// =============================================================================
// Modifiers and kinds
// =============================================================================

func TestParseModifier(t *testing.T) {
	tests := map[string]Modifiers{
		"command": ModCommand,
		"Meta":    ModCommand,
		"super":   ModCommand,
		"ctrl":    ModControl,
		"alt":     ModOption,
		"option":  ModOption,
		"shift":   ModShift,
	}
	for in, want := range tests {
		got, err := ParseModifier(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseModifier("fn")
	assert.Error(t, err)
}

func TestModifiersString(t *testing.T) {
	assert.Equal(t, "none", Modifiers(0).String())
	assert.Equal(t, "shift+command", (ModShift | ModCommand).String())
	assert.False(t, ModShift.Has(0))
	assert.True(t, (ModShift | ModCommand).Has(ModCommand))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "flags-changed", KindFlagsChanged.String())
	assert.Equal(t, "hook-disabled", KindHookDisabled.String())
	assert.Equal(t, "suppress", Suppress.String())
	assert.Equal(t, "forward", Forward.String())
}
