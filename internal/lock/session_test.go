package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"keyboardlock/internal/capture"
	"keyboardlock/internal/mode"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Test doubles
// =============================================================================

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) stateChanges() []Event { return r.ofType(EventStateChanged) }

type fakeOverlay struct {
	mu    sync.Mutex
	shows []mode.Mode
	hides int
}

func (o *fakeOverlay) Show(m mode.Mode) {
	o.mu.Lock()
	o.shows = append(o.shows, m)
	o.mu.Unlock()
}

func (o *fakeOverlay) Hide() {
	o.mu.Lock()
	o.hides++
	o.mu.Unlock()
}

type fakePermission struct {
	mu       sync.Mutex
	granted  bool
	requests int
}

func (p *fakePermission) Granted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted
}

func (p *fakePermission) Request() {
	p.mu.Lock()
	p.requests++
	p.mu.Unlock()
}

type harness struct {
	t       *testing.T
	session *Session
	hook    *capture.SimulatedHook
	clock   *clocktesting.FakeClock
	events  *recorder
	overlay *fakeOverlay
	perm    *fakePermission
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		hook:    capture.NewSimulatedHook(),
		clock:   clocktesting.NewFakeClock(t0),
		events:  &recorder{},
		overlay: &fakeOverlay{},
		perm:    &fakePermission{granted: true},
	}
	s, err := New(Config{
		Hook:       h.hook,
		Permission: h.perm,
		Notifier:   h.events,
		Overlay:    h.overlay,
		Settings:   settings,
		Clock:      h.clock,
	})
	require.NoError(t, err)
	h.session = s
	t.Cleanup(func() { s.Close() })
	return h
}

func (h *harness) lock(m *mode.Mode) State {
	h.t.Helper()
	st, err := h.session.Lock(context.Background(), m)
	require.NoError(h.t, err)
	return st
}

func (h *harness) state() State {
	h.t.Helper()
	st, err := h.session.State(context.Background())
	require.NoError(h.t, err)
	return st
}

// pressModifier sends one press/release of the command key through the
// installed hook.
func (h *harness) pressModifier(at time.Time) capture.Action {
	a, ok := h.hook.Inject(capture.Event{Kind: capture.KindFlagsChanged, Modifiers: capture.ModCommand, Time: at})
	require.True(h.t, ok, "no hook installed")
	h.hook.Inject(capture.Event{Kind: capture.KindFlagsChanged, Time: at.Add(60 * time.Millisecond)})
	return a
}

func modePtr(m mode.Mode) *mode.Mode { return &m }

func noAutoUnlock() Settings {
	s := DefaultSettings()
	s.AutoUnlockEnabled = false
	return s
}

// =============================================================================
// Lock / unlock transitions
// =============================================================================

func TestLockUnlock(t *testing.T) {
	h := newHarness(t, noAutoUnlock())

	st := h.lock(modePtr(mode.KeyboardAndMouse))
	require.True(t, st.Active)
	assert.Equal(t, mode.KeyboardAndMouse, *st.Mode)
	assert.Nil(t, st.EndTime)
	assert.NotNil(t, h.hook.Current())
	assert.Equal(t, []mode.Mode{mode.KeyboardAndMouse}, h.overlay.shows)

	st, err := h.session.Unlock(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Nil(t, st.Mode)
	assert.Nil(t, st.EndTime)
	assert.Nil(t, h.hook.Current())
	assert.Equal(t, 1, h.overlay.hides)

	changes := h.events.stateChanges()
	require.Len(t, changes, 2)
	assert.True(t, changes[0].Locked)
	assert.False(t, changes[1].Locked)
	assert.Equal(t, ReasonManual, changes[1].Reason)
	assert.Equal(t, mode.KeyboardAndMouse, changes[1].Mode)
}

func TestLockIsIdempotent(t *testing.T) {
	h := newHarness(t, noAutoUnlock())

	h.lock(modePtr(mode.KeyboardSilent))
	st := h.lock(modePtr(mode.KeyboardAndMouse))

	assert.Equal(t, mode.KeyboardSilent, *st.Mode, "second lock must keep the mode")
	assert.Equal(t, 1, h.hook.Installs())
	assert.Len(t, h.events.stateChanges(), 1)
	assert.Empty(t, h.overlay.shows, "silent mode shows no overlay")
}

func TestUnlockWhenUnlockedIsNoop(t *testing.T) {
	h := newHarness(t, noAutoUnlock())

	st, err := h.session.Unlock(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Empty(t, h.events.stateChanges())
	assert.Equal(t, 0, h.overlay.hides)
}

func TestToggle(t *testing.T) {
	settings := noAutoUnlock()
	settings.DefaultMode = mode.KeyboardAndMouseSilent
	h := newHarness(t, settings)

	st, err := h.session.Toggle(context.Background())
	require.NoError(t, err)
	require.True(t, st.Active)
	assert.Equal(t, mode.KeyboardAndMouseSilent, *st.Mode)

	st, err = h.session.Toggle(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Active)
}

func TestLockUsesDefaultMode(t *testing.T) {
	settings := noAutoUnlock()
	settings.DefaultMode = mode.KeyboardSilent
	h := newHarness(t, settings)

	st := h.lock(nil)
	assert.Equal(t, mode.KeyboardSilent, *st.Mode)
}

func TestSetSettingsAppliesToNextLock(t *testing.T) {
	h := newHarness(t, noAutoUnlock())
	h.lock(nil)

	next := noAutoUnlock()
	next.DefaultMode = mode.KeyboardAndMouse
	require.NoError(t, h.session.SetSettings(context.Background(), next))

	assert.Equal(t, mode.Keyboard, *h.state().Mode, "active lock keeps its mode")

	h.session.Unlock(context.Background())
	assert.Equal(t, mode.KeyboardAndMouse, *h.lock(nil).Mode)
}

// =============================================================================
// Failure paths
// =============================================================================

func TestLockWithoutPermission(t *testing.T) {
	h := newHarness(t, noAutoUnlock())
	h.perm.granted = false

	st, err := h.session.Lock(context.Background(), nil)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, st.Active)
	assert.Equal(t, 0, h.hook.Installs(), "hook must not be installed without permission")
	assert.Equal(t, 1, h.perm.requests)
	assert.Empty(t, h.events.stateChanges())

	failed := h.events.ofType(EventLockFailed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, ErrPermissionDenied)

	// Granting later allows an explicit retry.
	h.perm.granted = true
	assert.True(t, h.lock(nil).Active)
}

func TestHookInstallFailure(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	h.hook.FailNextInstall(errors.New("tap refused"))

	st, err := h.session.Lock(context.Background(), modePtr(mode.Keyboard))
	require.ErrorIs(t, err, ErrHookInstallFailed)
	assert.False(t, st.Active)
	assert.False(t, h.state().Active)
	assert.Empty(t, h.overlay.shows)
	assert.Empty(t, h.events.stateChanges())
	assert.False(t, h.clock.HasWaiters(), "no timers for a failed lock")
	assert.Len(t, h.events.ofType(EventLockFailed), 1)
	assert.Equal(t, uint64(1), h.session.Stats().Failures)
}

func TestHookPermissionErrorRequestsPermission(t *testing.T) {
	h := newHarness(t, noAutoUnlock())
	h.hook.FailNextInstall(capture.ErrPermissionDenied)

	_, err := h.session.Lock(context.Background(), nil)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, 1, h.perm.requests)
}

// =============================================================================
// Auto-unlock
// =============================================================================

func TestAutoUnlockAfterDuration(t *testing.T) {
	settings := DefaultSettings()
	settings.AutoUnlockDuration = 5 * time.Second
	h := newHarness(t, settings)

	st := h.lock(nil)
	require.NotNil(t, st.EndTime)
	assert.Equal(t, t0.Add(5*time.Second), *st.EndTime)

	timers := h.events.ofType(EventTimerUpdated)
	require.Len(t, timers, 1)
	assert.LessOrEqual(t, timers[0].Remaining, 5*time.Second)

	for i := 1; i <= 4; i++ {
		h.clock.Step(time.Second)
		want := i + 1
		require.Eventually(t, func() bool {
			return len(h.events.ofType(EventTimerUpdated)) >= want
		}, time.Second, time.Millisecond, "tick %d", i)
	}
	assert.True(t, h.state().Active)

	h.clock.Step(time.Second)
	require.Eventually(t, func() bool { return !h.state().Active }, time.Second, time.Millisecond)

	// Nothing fires after the lock ended.
	h.clock.Step(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	changes := h.events.stateChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, ReasonTimer, changes[1].Reason)

	ticks := h.events.ofType(EventTimerUpdated)
	for i := 1; i < len(ticks); i++ {
		assert.Less(t, ticks[i].Remaining, ticks[i-1].Remaining, "remaining must decrease")
		assert.True(t, ticks[i].Time.Before(changes[1].Time) || ticks[i].Time.Equal(changes[1].Time))
	}
	assert.Nil(t, h.hook.Current())
}

func TestManualUnlockCancelsCountdown(t *testing.T) {
	settings := DefaultSettings()
	settings.AutoUnlockDuration = 3 * time.Second
	h := newHarness(t, settings)

	h.lock(nil)
	_, err := h.session.Unlock(context.Background())
	require.NoError(t, err)
	before := len(h.events.ofType(EventTimerUpdated))

	h.clock.Step(5 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.False(t, h.state().Active)
	assert.Len(t, h.events.ofType(EventTimerUpdated), before, "no tick after unlock")
	assert.Len(t, h.events.stateChanges(), 2, "timer must not unlock again")
}

func TestNonPositiveDurationFallsBack(t *testing.T) {
	settings := DefaultSettings()
	settings.AutoUnlockDuration = -3 * time.Second
	h := newHarness(t, settings)

	st := h.lock(nil)
	require.NotNil(t, st.EndTime)
	assert.Equal(t, t0.Add(DefaultAutoUnlockDuration), *st.EndTime)
}

func TestAutoUnlockDisabled(t *testing.T) {
	h := newHarness(t, noAutoUnlock())
	st := h.lock(nil)
	assert.Nil(t, st.EndTime)
	assert.False(t, h.clock.HasWaiters())
	assert.Empty(t, h.events.ofType(EventTimerUpdated))
}

func TestRelockAfterTimerGetsFreshCountdown(t *testing.T) {
	settings := DefaultSettings()
	settings.AutoUnlockDuration = 2 * time.Second
	h := newHarness(t, settings)

	h.lock(nil)
	h.clock.Step(2 * time.Second)
	require.Eventually(t, func() bool { return !h.state().Active }, time.Second, time.Millisecond)

	st := h.lock(nil)
	assert.Equal(t, h.clock.Now().Add(2*time.Second), *st.EndTime)
	h.clock.Step(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.state().Active)
}

// =============================================================================
// Gesture
// =============================================================================

func TestGestureUnlocksSilentMouseLock(t *testing.T) {
	h := newHarness(t, noAutoUnlock())
	h.lock(modePtr(mode.KeyboardAndMouseSilent))

	at := t0
	for i := 0; i < 5; i++ {
		assert.Equal(t, capture.Suppress, h.pressModifier(at))
		at = at.Add(1500 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.state().Active)

	assert.Equal(t, capture.Forward, h.pressModifier(at))
	require.Eventually(t, func() bool { return !h.state().Active }, time.Second, time.Millisecond)

	changes := h.events.stateChanges()
	require.Len(t, changes, 2)
	assert.False(t, changes[1].Locked)
	assert.Equal(t, ReasonGesture, changes[1].Reason)

	progress := h.events.ofType(EventUnlockProgress)
	require.NotEmpty(t, progress)
	assert.Equal(t, 6, progress[0].Required)
}

func TestGestureFinalProgressPrecedesUnlock(t *testing.T) {
	for run := 0; run < 50; run++ {
		h := newHarness(t, noAutoUnlock())
		h.lock(nil)

		at := t0
		for i := 0; i < 6; i++ {
			h.pressModifier(at)
			at = at.Add(100 * time.Millisecond)
		}
		require.Eventually(t, func() bool { return !h.state().Active }, time.Second, time.Millisecond)

		h.events.mu.Lock()
		events := append([]Event(nil), h.events.events...)
		h.events.mu.Unlock()

		final, unlocked := -1, -1
		for i, ev := range events {
			switch {
			case ev.Type == EventUnlockProgress && ev.Count == 6 && final < 0:
				final = i
			case ev.Type == EventStateChanged && !ev.Locked:
				unlocked = i
			}
		}
		require.GreaterOrEqual(t, final, 0, "run %d: no 6/6 progress", run)
		require.Greater(t, unlocked, final, "run %d: unlock reported before 6/6 progress", run)
		h.session.Close()
	}
}

func TestStateReportsGesturePresses(t *testing.T) {
	h := newHarness(t, noAutoUnlock())
	h.lock(nil)
	assert.Equal(t, 0, h.state().Presses)

	h.pressModifier(t0)
	h.pressModifier(t0.Add(100 * time.Millisecond))
	assert.Equal(t, 2, h.state().Presses)

	// The window lapses without another press.
	h.clock.Step(3 * time.Second)
	assert.Equal(t, 0, h.state().Presses)
	assert.True(t, h.state().Active)
}

func TestGestureFromPreviousLockIsIgnored(t *testing.T) {
	h := newHarness(t, noAutoUnlock())
	h.lock(nil)
	old := h.hook.Current().Filter()

	h.session.Unlock(context.Background())
	h.lock(nil)

	at := t0
	for i := 0; i < 6; i++ {
		old.Decide(capture.Event{Kind: capture.KindFlagsChanged, Modifiers: capture.ModCommand, Time: at})
		old.Decide(capture.Event{Kind: capture.KindFlagsChanged, Time: at.Add(10 * time.Millisecond)})
		at = at.Add(100 * time.Millisecond)
	}

	assert.Never(t, func() bool { return !h.state().Active }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestPointerDecisionsFollowMode(t *testing.T) {
	h := newHarness(t, noAutoUnlock())

	h.lock(modePtr(mode.Keyboard))
	a, _ := h.hook.Inject(capture.Event{Kind: capture.KindPointer})
	assert.Equal(t, capture.Forward, a)
	h.session.Unlock(context.Background())

	h.lock(modePtr(mode.KeyboardAndMouse))
	a, _ = h.hook.Inject(capture.Event{Kind: capture.KindPointer})
	assert.Equal(t, capture.Suppress, a)
}

func TestNoHookWhileUnlocked(t *testing.T) {
	h := newHarness(t, noAutoUnlock())
	_, ok := h.hook.Inject(capture.Event{Kind: capture.KindKeyDown})
	assert.False(t, ok)

	h.lock(nil)
	h.session.Unlock(context.Background())
	_, ok = h.hook.Inject(capture.Event{Kind: capture.KindKeyDown})
	assert.False(t, ok)
}

// =============================================================================
// Shutdown
// =============================================================================

func TestCloseForcesUnlock(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	h.lock(nil)
	handle := h.hook.Current()
	require.NotNil(t, handle)

	require.NoError(t, h.session.Close())
	assert.True(t, handle.Closed())

	changes := h.events.stateChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, ReasonShutdown, changes[1].Reason)

	_, err := h.session.Lock(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, h.session.Close())
}

func TestContextCancelled(t *testing.T) {
	h := newHarness(t, noAutoUnlock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.session.State(ctx)
	// Either the command got through before the cancellation was seen or
	// the context error is returned; never anything else.
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, noAutoUnlock())
	h.lock(nil)
	h.hook.Inject(capture.Event{Kind: capture.KindKeyDown})
	h.hook.Inject(capture.Event{Kind: capture.KindKeyUp})
	h.session.Unlock(context.Background())

	st := h.session.Stats()
	assert.Equal(t, uint64(1), st.Locks)
	assert.Equal(t, uint64(1), st.Unlocks[ReasonManual])
	assert.Equal(t, uint64(2), st.Capture.Suppressed)
}

func TestNewRequiresHook(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStateRemaining(t *testing.T) {
	end := t0.Add(3 * time.Second)
	st := State{Active: true, EndTime: &end}
	assert.Equal(t, 3*time.Second, st.Remaining(t0))
	assert.Equal(t, time.Duration(0), st.Remaining(t0.Add(time.Minute)))
	assert.Equal(t, time.Duration(0), State{}.Remaining(t0))
}

func TestAwaitPermission(t *testing.T) {
	fc := clocktesting.NewFakeClock(t0)
	perm := &fakePermission{}

	done := make(chan bool, 1)
	go func() {
		done <- AwaitPermission(context.Background(), perm, fc, time.Second, 10*time.Second)
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(time.Second)
	perm.mu.Lock()
	perm.granted = true
	perm.mu.Unlock()
	fc.Step(time.Second)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("AwaitPermission did not return")
	}
}
