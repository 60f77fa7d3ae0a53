// Package lock owns the lock session: the Unlocked/Locked state machine,
// the capture hook's lifetime and the auto-unlock countdown.
//
// Every transition runs on a single session goroutine. The capture
// context never touches session state; it posts gesture matches and
// progress into bounded queues that the session goroutine drains. Timers
// carry the epoch they were armed under and are ignored once the epoch
// moves on, so cancelling a lock never races a timer that is already
// firing.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"keyboardlock/internal/capture"
	"keyboardlock/internal/gesture"
	"keyboardlock/internal/mode"
)

var (
	// ErrPermissionDenied means the lock was refused for lack of input
	// capture permission. A permission request has been issued.
	ErrPermissionDenied = capture.ErrPermissionDenied

	// ErrHookInstallFailed means the OS refused the capture hook.
	ErrHookInstallFailed = capture.ErrHookInstallFailed

	// ErrClosed is returned once the session has shut down.
	ErrClosed = errors.New("lock session closed")
)

// Clock is the time source used for auto-unlock.
type Clock interface {
	clock.WithTicker
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Config configures a Session.
type Config struct {
	Hook       capture.Hook
	Permission PermissionGate
	Notifier   Notifier
	Overlay    Overlay
	Settings   Settings
	Clock      Clock
	Logger     *slog.Logger
}

type cmdKind uint8

const (
	cmdLock cmdKind = iota
	cmdUnlock
	cmdToggle
	cmdState
	cmdSettings
	cmdShutdown
)

type command struct {
	kind     cmdKind
	mode     *mode.Mode
	settings Settings
	reply    chan result
}

type result struct {
	state State
	err   error
}

type progressIntent struct {
	epoch uint64
	p     gesture.Progress
}

// Session is the lock state machine.
type Session struct {
	hook     capture.Hook
	perm     PermissionGate
	notifier Notifier
	overlay  Overlay
	clock    Clock
	log      *slog.Logger

	cmds     chan command
	matches  chan uint64
	progress chan progressIntent
	ticks    chan uint64
	expired  chan uint64
	done     chan struct{}

	closeOnce sync.Once

	// Owned by the session goroutine.
	settings Settings
	epoch    uint64
	active   bool
	mode     mode.Mode
	endTime  *time.Time
	handle   capture.Handle
	filter   *capture.Filter
	timer    *countdown

	stats statsRecorder
}

// New creates a Session and starts its goroutine. Close must be called to
// release the hook and stop the goroutine.
func New(cfg Config) (*Session, error) {
	if cfg.Hook == nil {
		return nil, errors.New("lock: hook is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFunc(func(Event) {})
	}
	if !cfg.Settings.DefaultMode.Valid() {
		cfg.Settings.DefaultMode = mode.Default
	}

	s := &Session{
		hook:     cfg.Hook,
		perm:     cfg.Permission,
		notifier: cfg.Notifier,
		overlay:  cfg.Overlay,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("component", "lock"),
		settings: cfg.Settings,
		cmds:     make(chan command),
		matches:  make(chan uint64, 4),
		progress: make(chan progressIntent, 32),
		ticks:    make(chan uint64, 1),
		expired:  make(chan uint64, 1),
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Lock locks in m, or in the default mode when m is nil. Locking an
// active session is a no-op and keeps its mode.
func (s *Session) Lock(ctx context.Context, m *mode.Mode) (State, error) {
	return s.do(ctx, command{kind: cmdLock, mode: m})
}

// Unlock ends the lock. Unlocking an inactive session is a no-op.
func (s *Session) Unlock(ctx context.Context) (State, error) {
	return s.do(ctx, command{kind: cmdUnlock})
}

// Toggle unlocks an active session or locks an inactive one in the
// default mode.
func (s *Session) Toggle(ctx context.Context) (State, error) {
	return s.do(ctx, command{kind: cmdToggle})
}

// State returns a snapshot of the session.
func (s *Session) State(ctx context.Context) (State, error) {
	return s.do(ctx, command{kind: cmdState})
}

// SetSettings replaces the settings used by the next lock.
func (s *Session) SetSettings(ctx context.Context, st Settings) error {
	_, err := s.do(ctx, command{kind: cmdSettings, settings: st})
	return err
}

// Now returns the session clock's current time.
func (s *Session) Now() time.Time { return s.clock.Now() }

// Stats returns cumulative session counters.
func (s *Session) Stats() Stats { return s.stats.snapshot() }

// Close force-unlocks and stops the session goroutine. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		reply := make(chan result, 1)
		select {
		case s.cmds <- command{kind: cmdShutdown, reply: reply}:
			<-reply
		case <-s.done:
		}
		<-s.done
	})
	return nil
}

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) do(ctx context.Context, cmd command) (State, error) {
	cmd.reply = make(chan result, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return State{}, ErrClosed
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.state, r.err
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	// A panic on the session goroutine must not leave input grabbed.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session goroutine panicked, releasing hook", "panic", r)
			s.unlock(ReasonShutdown)
			panic(r)
		}
	}()

	for {
		select {
		case cmd := <-s.cmds:
			r := s.handleCmd(cmd)
			cmd.reply <- r
			if cmd.kind == cmdShutdown {
				return
			}

		case epoch := <-s.matches:
			// The capture context posts every progress of a press before
			// its match, so draining here keeps them ahead of the unlock.
			s.drainProgress()
			if s.active && epoch == s.epoch {
				s.log.Info("unlock gesture matched")
				s.unlock(ReasonGesture)
			}

		case pi := <-s.progress:
			s.reportProgress(pi)

		case epoch := <-s.ticks:
			if s.active && epoch == s.epoch && s.endTime != nil {
				s.emit(Event{Type: EventTimerUpdated, Remaining: s.remaining()})
			}

		case epoch := <-s.expired:
			if s.active && epoch == s.epoch {
				s.log.Info("auto-unlock timer expired")
				s.unlock(ReasonTimer)
			}
		}
		s.checkInvariant()
	}
}

func (s *Session) reportProgress(pi progressIntent) {
	if s.active && pi.epoch == s.epoch {
		s.emit(Event{Type: EventUnlockProgress, Count: pi.p.Count, Required: pi.p.Required})
	}
}

func (s *Session) drainProgress() {
	for {
		select {
		case pi := <-s.progress:
			s.reportProgress(pi)
		default:
			return
		}
	}
}

func (s *Session) handleCmd(cmd command) result {
	switch cmd.kind {
	case cmdLock:
		return s.lock(cmd.mode)
	case cmdUnlock:
		return result{state: s.unlock(ReasonManual)}
	case cmdToggle:
		if s.active {
			return result{state: s.unlock(ReasonManual)}
		}
		return s.lock(nil)
	case cmdSettings:
		s.settings = cmd.settings
		if !s.settings.DefaultMode.Valid() {
			s.settings.DefaultMode = mode.Default
		}
		return result{state: s.snapshot()}
	case cmdShutdown:
		return result{state: s.unlock(ReasonShutdown)}
	default:
		return result{state: s.snapshot()}
	}
}

func (s *Session) lock(requested *mode.Mode) result {
	if s.active {
		return result{state: s.snapshot()}
	}

	m := s.settings.DefaultMode
	if requested != nil && requested.Valid() {
		m = *requested
	}

	if s.perm != nil && !s.perm.Granted() {
		return s.lockFailed(m, ErrPermissionDenied)
	}

	next := s.epoch + 1
	det := gesture.New(gesture.Config{
		Required: s.settings.GesturePresses,
		Window:   s.settings.GestureWindow,
		OnProgress: func(p gesture.Progress) {
			select {
			case s.progress <- progressIntent{epoch: next, p: p}:
			default:
			}
		},
	})
	f := capture.NewFilter(capture.FilterConfig{
		Mode:     m,
		Modifier: s.settings.GestureModifier,
		Detector: det,
		OnMatch: func() {
			select {
			case s.matches <- next:
			default:
			}
		},
	})

	h, err := s.hook.Install(f)
	if err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) {
			return s.lockFailed(m, ErrPermissionDenied)
		}
		if !errors.Is(err, capture.ErrHookInstallFailed) {
			err = fmt.Errorf("%w: %v", ErrHookInstallFailed, err)
		}
		return s.lockFailed(m, err)
	}

	s.epoch = next
	s.active = true
	s.mode = m
	s.handle = h
	s.filter = f
	s.stats.locked()

	if s.settings.AutoUnlockEnabled {
		d := s.settings.autoUnlockDuration()
		end := s.clock.Now().Add(d)
		s.endTime = &end
		s.timer = s.startCountdown(s.epoch, d)
	}

	if m.ShowsOverlay() && s.overlay != nil {
		s.overlay.Show(m)
	}

	s.log.Info("locked", "mode", m.String(), "auto_unlock", s.endTime != nil)
	s.emit(Event{Type: EventStateChanged, Locked: true, Mode: m})
	if s.endTime != nil {
		s.emit(Event{Type: EventTimerUpdated, Remaining: s.remaining()})
	}
	return result{state: s.snapshot()}
}

func (s *Session) lockFailed(m mode.Mode, err error) result {
	if errors.Is(err, ErrPermissionDenied) {
		s.log.Warn("lock refused, permission missing", "mode", m.String())
		if s.perm != nil {
			s.perm.Request()
		}
	} else {
		s.log.Error("lock failed", "mode", m.String(), "error", err)
	}
	s.stats.failed()
	s.emit(Event{Type: EventLockFailed, Mode: m, Err: err})
	return result{state: s.snapshot(), err: err}
}

func (s *Session) unlock(reason Reason) State {
	if !s.active {
		return s.snapshot()
	}

	// Invalidate every timer, tick and gesture intent of this lock.
	s.epoch++
	if s.timer != nil {
		s.timer.stop()
		s.timer = nil
	}
	s.releaseHook()

	m := s.mode
	s.active = false
	s.endTime = nil
	if s.overlay != nil {
		s.overlay.Hide()
	}
	s.stats.unlocked(reason)

	s.log.Info("unlocked", "mode", m.String(), "reason", string(reason))
	s.emit(Event{Type: EventStateChanged, Locked: false, Mode: m, Reason: reason})
	return s.snapshot()
}

func (s *Session) releaseHook() {
	if s.filter != nil {
		s.stats.addFilter(s.filter.Stats())
		s.filter = nil
	}
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil && !errors.Is(err, capture.ErrClosed) {
		s.log.Error("release capture hook", "error", err)
	}
	s.handle = nil
}

func (s *Session) snapshot() State {
	if !s.active {
		return State{}
	}
	m := s.mode
	st := State{Active: true, Mode: &m}
	if s.filter != nil {
		st.Presses = s.filter.GesturePresses(s.clock.Now())
	}
	if s.endTime != nil {
		end := *s.endTime
		st.EndTime = &end
	}
	return st
}

func (s *Session) remaining() time.Duration {
	return s.snapshot().Remaining(s.clock.Now())
}

func (s *Session) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.clock.Now()
	}
	s.notifier.Notify(ev)
}
