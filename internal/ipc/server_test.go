package ipc

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyboardlock/internal/health"
	"keyboardlock/internal/lock"
	"keyboardlock/internal/mode"
	"keyboardlock/internal/store"
)

type fakeSession struct {
	mu      sync.Mutex
	now     time.Time
	active  bool
	mode    mode.Mode
	end     *time.Time
	def     mode.Mode
	lockErr error
	locks   []*mode.Mode
}

func (f *fakeSession) setLockErr(err error) {
	f.mu.Lock()
	f.lockErr = err
	f.mu.Unlock()
}

func (f *fakeSession) state() lock.State {
	if !f.active {
		return lock.State{}
	}
	m := f.mode
	return lock.State{Active: true, Mode: &m, EndTime: f.end}
}

func (f *fakeSession) Lock(_ context.Context, m *mode.Mode) (lock.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = append(f.locks, m)
	if f.lockErr != nil {
		return lock.State{}, f.lockErr
	}
	if f.active {
		return f.state(), nil
	}
	f.active = true
	f.mode = f.def
	if m != nil {
		f.mode = *m
	}
	end := f.now.Add(90 * time.Second)
	f.end = &end
	return f.state(), nil
}

func (f *fakeSession) Unlock(context.Context) (lock.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active, f.end = false, nil
	return f.state(), nil
}

func (f *fakeSession) Toggle(ctx context.Context) (lock.State, error) {
	f.mu.Lock()
	active := f.active
	f.mu.Unlock()
	if active {
		return f.Unlock(ctx)
	}
	return f.Lock(ctx, nil)
}

func (f *fakeSession) State(context.Context) (lock.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state(), nil
}

func (f *fakeSession) Now() time.Time { return f.now }

type fakeHistory []store.LockSession

func (h fakeHistory) Recent(_ context.Context, limit int) ([]store.LockSession, error) {
	if limit > len(h) {
		limit = len(h)
	}
	return h[:limit], nil
}

type harness struct {
	session *fakeSession
	server  *Server
	client  *IPCClient
	socket  string
}

// socketPath stays short enough for sun_path on every platform.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "kl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		session: &fakeSession{now: time.Unix(1_700_000_000, 0), def: mode.KeyboardSilent},
		socket:  socketPath(t),
	}
	ended := h.session.now.Add(-time.Minute)
	history := fakeHistory{
		{ID: 2, Mode: "keyboard", StartedAt: h.session.now.Add(-2 * time.Minute), EndedAt: &ended, Reason: "gesture", AutoUnlock: 2 * time.Minute},
		{ID: 1, Mode: "keyboard-mouse", StartedAt: h.session.now.Add(-time.Hour)},
	}

	handler := NewDaemonHandler(DaemonHandlerConfig{
		Session: h.session,
		History: history,
		Metrics: func(w io.Writer) error {
			_, err := fmt.Fprintln(w, "keyboardlock_locks_total 3")
			return err
		},
		Health: func(ctx context.Context) health.Report {
			checker := health.NewChecker()
			checker.RegisterFunc("session", true, health.PingCheck("session", func(context.Context) error { return nil }))
			checker.SetReady(true)
			return checker.Report(ctx)
		},
	})
	h.server = NewServer(ServerConfig{SocketPath: h.socket}, handler)
	require.NoError(t, h.server.Start())
	t.Cleanup(func() { h.server.Stop() })

	h.client = h.connect(t)
	return h
}

func (h *harness) connect(t *testing.T) *IPCClient {
	t.Helper()
	c := NewClient(ClientConfig{SocketPath: h.socket, RequestTimeout: 2 * time.Second})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerSocketPermissions(t *testing.T) {
	h := newHarness(t)
	info, err := os.Stat(h.socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dir, err := os.Stat(filepath.Dir(h.socket))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dir.Mode().Perm())
}

func TestPingAndStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.client.Ping(ctx))

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Locked)
	assert.Empty(t, st.Mode)
	assert.Nil(t, st.RemainingSeconds)
}

func TestLockUnlockToggle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.client.Lock(ctx, "keyboard-mouse")
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.Equal(t, "keyboard-mouse", st.Mode)
	remaining, ok := st.Remaining()
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, remaining)
	m, ok := st.LockMode()
	require.True(t, ok)
	assert.Equal(t, mode.KeyboardAndMouse, m)

	st, err = h.client.Unlock(ctx)
	require.NoError(t, err)
	assert.False(t, st.Locked)

	st, err = h.client.Toggle(ctx)
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.Equal(t, "keyboard-silent", st.Mode, "toggle locks in the default mode")

	st, err = h.client.Toggle(ctx)
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestLockUnknownModeUsesDefault(t *testing.T) {
	h := newHarness(t)
	st, err := h.client.Lock(context.Background(), "bogus-mode")
	require.NoError(t, err)
	assert.Equal(t, "keyboard-silent", st.Mode)

	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	require.Len(t, h.session.locks, 1)
	assert.Nil(t, h.session.locks[0])
}

func TestLockFailureCarriesCode(t *testing.T) {
	h := newHarness(t)
	h.session.setLockErr(lock.ErrPermissionDenied)

	_, err := h.client.Lock(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrPermissionDenied)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodePermissionDenied, re.Code)

	h.session.setLockErr(fmt.Errorf("%w: tap refused", lock.ErrHookInstallFailed))
	_, err = h.client.Toggle(context.Background())
	assert.ErrorIs(t, err, lock.ErrHookInstallFailed)
}

func TestOpenDeepLinks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.client.Open(ctx, "keyboardlock://lock/keyboard-mouse")
	require.NoError(t, err)
	assert.Equal(t, "keyboard-mouse", st.Mode)

	st, err = h.client.Open(ctx, "keyboardlock://unlock")
	require.NoError(t, err)
	assert.False(t, st.Locked)

	st, err = h.client.Open(ctx, "keyboardlock://lock/bogus-mode")
	require.NoError(t, err)
	assert.Equal(t, "keyboard-silent", st.Mode, "unknown mode falls back to the configured default")

	st, err = h.client.Open(ctx, "keyboardlock://toggle")
	require.NoError(t, err)
	assert.False(t, st.Locked)

	_, err = h.client.Open(ctx, "keyboardlock://reboot")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = h.client.Open(ctx, "https://lock")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeInvalidRequest, re.Code)
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.request(ctx, MessageType(0x0999), nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	require.NoError(t, h.client.Ping(ctx), "connection stays open after an unknown command")
}

func TestHistoryAndMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hist, err := h.client.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, hist.Sessions, 1)
	e := hist.Sessions[0]
	assert.Equal(t, int64(2), e.ID)
	assert.Equal(t, "gesture", e.Reason)
	assert.Equal(t, 60.0, e.DurationSeconds)
	assert.Equal(t, 120.0, e.AutoUnlockSeconds)
	require.NotNil(t, e.EndedAt)

	hist, err = h.client.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist.Sessions, 2)
	assert.Nil(t, hist.Sessions[1].EndedAt)
	assert.Equal(t, 3600.0, hist.Sessions[1].DurationSeconds, "active sessions are measured up to now")

	text, err := h.client.Metrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "keyboardlock_locks_total 3")

	report, err := h.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, report.Status)
	require.Len(t, report.Components, 1)
	assert.Equal(t, "session", report.Components[0].Name)
	assert.True(t, report.Components[0].Critical)
}

func TestHistoryUnavailable(t *testing.T) {
	sock := socketPath(t)
	srv := NewServer(ServerConfig{SocketPath: sock}, NewDaemonHandler(DaemonHandlerConfig{Session: &fakeSession{}}))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	c := NewClient(ClientConfig{SocketPath: sock})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	var re *RemoteError
	_, err := c.History(context.Background(), 5)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeUnavailable, re.Code)
	_, err = c.Metrics(context.Background())
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeUnavailable, re.Code)
	_, err = c.Health(context.Background())
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeUnavailable, re.Code)
}

func TestSubscribeStreamsEventsInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	watcher := h.connect(t)
	require.NoError(t, watcher.Subscribe(ctx))
	require.Eventually(t, func() bool { return h.server.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	at := h.session.now
	h.server.Notify(lock.Event{Type: lock.EventStateChanged, Time: at, Locked: true, Mode: mode.KeyboardAndMouseSilent})
	h.server.Notify(lock.Event{Type: lock.EventUnlockProgress, Time: at, Count: 1, Required: 6})
	h.server.Notify(lock.Event{Type: lock.EventTimerUpdated, Time: at, Remaining: 4500 * time.Millisecond})
	h.server.Notify(lock.Event{Type: lock.EventStateChanged, Time: at, Locked: false, Mode: mode.KeyboardAndMouseSilent, Reason: lock.ReasonGesture})

	var got []*Event
	timeout := time.After(2 * time.Second)
	for len(got) < 4 {
		select {
		case ev := <-watcher.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d of 4 events", len(got))
		}
	}

	assert.Equal(t, EventStateChanged, got[0].Type)
	require.NotNil(t, got[0].Locked)
	assert.True(t, *got[0].Locked)
	assert.Equal(t, "keyboard-mouse-silent", got[0].Mode)

	assert.Equal(t, EventUnlockProgress, got[1].Type)
	require.NotNil(t, got[1].Count)
	assert.Equal(t, 1, *got[1].Count)
	assert.Equal(t, 6, got[1].Required)

	assert.Equal(t, EventTimerUpdated, got[2].Type)
	require.NotNil(t, got[2].RemainingSeconds)
	assert.Equal(t, 4.5, *got[2].RemainingSeconds)

	assert.False(t, *got[3].Locked)
	assert.Equal(t, "gesture", got[3].Reason)

	// The non-subscribed client receives nothing.
	select {
	case ev := <-h.client.Events():
		t.Fatalf("unexpected event on plain client: %+v", ev)
	default:
	}
}

func TestSubscribeFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.client.Subscribe(ctx, EventLockFailed))
	require.Eventually(t, func() bool { return h.server.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	h.server.Notify(lock.Event{Type: lock.EventStateChanged, Locked: true})
	h.server.Notify(lock.Event{Type: lock.EventLockFailed, Mode: mode.Keyboard, Err: lock.ErrPermissionDenied})

	select {
	case ev := <-h.client.Events():
		assert.Equal(t, EventLockFailed, ev.Type)
		assert.Equal(t, CodePermissionDenied, ev.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	require.NoError(t, h.client.Unsubscribe(ctx))
	assert.Equal(t, 0, h.server.SubscriberCount())
}

func TestDaemonNotRunning(t *testing.T) {
	c := NewClient(ClientConfig{SocketPath: socketPath(t)})
	defer c.Close()
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrDaemonNotRunning)

	_, err = c.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSecondServerRefused(t *testing.T) {
	h := newHarness(t)
	other := NewServer(ServerConfig{SocketPath: h.socket}, nil)
	assert.ErrorIs(t, other.Start(), ErrAlreadyRunning)
}

func TestStaleSocketIsReplaced(t *testing.T) {
	sock := socketPath(t)
	// A crashed daemon leaves its socket file behind.
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())
	_, err = os.Stat(sock)
	require.NoError(t, err)

	srv := NewServer(ServerConfig{SocketPath: sock}, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()
}

func TestCleanupSocketRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
	assert.Error(t, CleanupSocket(path))
}

func TestStopClosesClients(t *testing.T) {
	h := newHarness(t)
	require.Eventually(t, func() bool { return h.server.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.server.Stop())

	_, err := os.Stat(h.socket)
	assert.True(t, os.IsNotExist(err), "socket file removed")

	select {
	case _, ok := <-h.client.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("client event channel not closed after server stop")
	}
	assert.False(t, h.client.IsConnected())
}

func TestEventFromLockFailure(t *testing.T) {
	ev := EventFromLock(lock.Event{Type: lock.EventLockFailed, Mode: mode.KeyboardAndMouse, Err: fmt.Errorf("%w: x", lock.ErrHookInstallFailed)})
	assert.Equal(t, EventLockFailed, ev.Type)
	assert.Equal(t, CodeHookInstallFailed, ev.Code)
	assert.Equal(t, "keyboard-mouse", ev.Mode)
	assert.Nil(t, ev.Locked)
}
