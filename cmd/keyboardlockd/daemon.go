package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"keyboardlock/internal/capture"
	"keyboardlock/internal/config"
	"keyboardlock/internal/health"
	"keyboardlock/internal/ipc"
	"keyboardlock/internal/lock"
	"keyboardlock/internal/logging"
	"keyboardlock/internal/metrics"
	"keyboardlock/internal/notify"
	"keyboardlock/internal/store"
)

const crashReportRetention = 30 * 24 * time.Hour

// Permission is the capture permission gate with a description of its
// state.
type Permission interface {
	lock.PermissionGate
	Status() (bool, string)
}

// Options configures a Daemon.
type Options struct {
	Config *config.Config
	// Loader, when set, is watched for configuration changes.
	Loader *config.Loader
	// Hook and Permission default to the platform implementations.
	Hook       capture.Hook
	Permission Permission
	Logger     *logging.Logger
	Version    string
}

// Daemon owns the lock session and everything that serves it.
type Daemon struct {
	cfg     *config.Config
	loader  *config.Loader
	log     *slog.Logger
	version string

	crash   *logging.CrashHandler
	perm    Permission
	session *lock.Session
	server  *ipc.Server
	history *store.Store
	desktop *notify.Desktop
	health  *health.Checker

	// Queues in front of the sinks that do I/O.
	historyQueue *notify.Async
	desktopQueue *notify.Async

	registry    *metrics.Registry
	lockMetrics *metrics.LockMetrics

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	awaiting  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewDaemon builds the daemon. Nothing is listening until Start.
func NewDaemon(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("daemon: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(logging.DefaultConfig())
		if err != nil {
			return nil, err
		}
		logger = l
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:      cfg,
		loader:   opts.Loader,
		log:      logger.WithComponent("daemon").Logger,
		version:  opts.Version,
		ctx:      ctx,
		cancel:   cancel,
		registry: metrics.NewRegistry("keyboardlock", ""),
		health:   health.NewChecker(),
	}
	d.lockMetrics = metrics.NewLockMetrics(d.registry)
	d.crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  cfg.Logging.CrashDir,
		Version:   opts.Version,
		Component: "keyboardlockd",
		Logger:    logger.Logger,
		OnCrash:   func(logging.CrashReport) { d.forceUnlock() },
	})

	if cfg.Notifications.Enabled {
		desktop, err := notify.NewDesktop(notify.DesktopConfig{UnlockHint: cfg.UnlockHint(), Logger: logger.Logger})
		if err != nil {
			d.log.Warn("desktop notifications unavailable", "error", err)
		} else {
			d.desktop = desktop
		}
	}

	captureOpts := capture.Options{Devices: cfg.Capture.Devices, Logger: logger.Logger}
	if d.desktop != nil {
		captureOpts.OnPermissionRequest = d.desktop.PermissionHint
	}
	hook := opts.Hook
	if hook == nil {
		hook = capture.NewHook(captureOpts)
	}
	d.perm = opts.Permission
	if d.perm == nil {
		d.perm = capture.NewPermission(captureOpts)
	}

	if cfg.History.Enabled {
		st, err := store.Open(cfg.History.Path)
		if err != nil {
			d.log.Warn("lock history unavailable", "path", cfg.History.Path, "error", err)
		} else {
			d.history = st
		}
	}

	d.server = ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		IdleTimeout:    time.Duration(cfg.IPC.IdleTimeoutSec) * time.Second,
		MaxConnections: cfg.IPC.MaxConnections,
		RequestRate:    float64(cfg.IPC.RequestsPerSecond),
		RequestBurst:   2 * cfg.IPC.RequestsPerSecond,
		Logger:         logger.Logger,
	}, nil)

	notifiers := notify.Multi{notify.Log(logger.Logger), d.lockMetrics, d.server, lock.NotifierFunc(d.watchFailures)}
	if d.history != nil {
		d.historyQueue = notify.NewAsync(store.NewRecorder(d.history, logger.Logger), 32)
		notifiers = append(notifiers, d.historyQueue)
	}
	if d.desktop != nil {
		d.desktopQueue = notify.NewAsync(d.desktop, 32)
		notifiers = append(notifiers, d.desktopQueue)
	}

	lockCfg := lock.Config{
		Hook:       hook,
		Permission: d.perm,
		Notifier:   notifiers,
		Settings:   cfg.ToLockSettings(),
		Logger:     logger.Logger,
	}
	if d.desktop != nil {
		lockCfg.Overlay = d.desktop
	}
	session, err := lock.New(lockCfg)
	if err != nil {
		d.release()
		cancel()
		return nil, err
	}
	d.session = session

	var hist ipc.HistorySource
	if d.history != nil {
		hist = d.history
	}
	d.server.SetHandler(ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Session:             session,
		History:             hist,
		Metrics:             d.writeMetrics,
		Health:              d.health.Report,
		DefaultHistoryLimit: cfg.History.Limit,
		Logger:              logger.Logger,
	}))
	d.registerChecks()
	return d, nil
}

func (d *Daemon) registerChecks() {
	d.health.RegisterFunc("session", true, health.PingCheck("session", func(ctx context.Context) error {
		_, err := d.session.State(ctx)
		return err
	}))
	d.health.RegisterFunc("capture_permission", false, health.PermissionCheck(d.perm.Status))
	if d.history != nil {
		d.health.RegisterFunc("history", false, health.PingCheck("history", d.history.Ping))
	}
}

// Start prepares history, starts the control socket and the config
// watcher.
func (d *Daemon) Start() error {
	if d.history != nil {
		d.prepareHistory()
	}
	if err := d.crash.CleanupOldCrashReports(crashReportRetention); err != nil {
		d.log.Warn("clean up crash reports", "error", err)
	}
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	if d.loader != nil {
		d.loader.OnChange(d.applyConfig)
		if err := d.loader.Watch(); err != nil {
			d.log.Warn("config watch disabled", "path", d.loader.Path(), "error", err)
		} else {
			d.spawn("config-errors", d.drainConfigErrors)
		}
	}
	d.health.SetReady(true)
	d.log.Info("daemon started", "version", d.version, "socket", d.server.SocketPath())
	return nil
}

func (d *Daemon) prepareHistory() {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	now := time.Now()
	if n, err := d.history.CloseOpenSessions(ctx, now, store.ReasonInterrupted); err != nil {
		d.log.Warn("close interrupted sessions", "error", err)
	} else if n > 0 {
		d.log.Info("closed interrupted sessions", "count", n)
	}
	if days := d.cfg.History.RetentionDays; days > 0 {
		if n, err := d.history.Prune(ctx, now.AddDate(0, 0, -days)); err != nil {
			d.log.Warn("prune history", "error", err)
		} else if n > 0 {
			d.log.Info("pruned history", "sessions", n)
		}
	}
}

func (d *Daemon) spawn(name string, fn func()) {
	d.wg.Add(1)
	d.crash.Go(name, func() {
		defer d.wg.Done()
		fn()
	})
}

func (d *Daemon) drainConfigErrors() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case err := <-d.loader.Errors():
			d.log.Warn("configuration not reloaded", "error", err)
		}
	}
}

// applyConfig pushes a reloaded configuration into the running session.
// Socket, history and logging changes need a restart.
func (d *Daemon) applyConfig(old, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	if err := d.session.SetSettings(ctx, cfg.ToLockSettings()); err != nil {
		d.log.Warn("apply reloaded settings", "error", err)
		return
	}
	if old.IPC.SocketPath != cfg.IPC.SocketPath || old.History.Path != cfg.History.Path || old.Logging != cfg.Logging {
		d.log.Info("some changes take effect after a restart")
	}
	d.log.Info("configuration reloaded",
		"default_mode", cfg.Lock.DefaultMode,
		"auto_unlock", cfg.Lock.AutoUnlockEnabled,
		"presses", cfg.Gesture.RequiredPresses)
}

// watchFailures re-checks permission after a denied lock and logs once it
// is granted. It never locks on its own.
func (d *Daemon) watchFailures(ev lock.Event) {
	if ev.Type != lock.EventLockFailed || !errors.Is(ev.Err, lock.ErrPermissionDenied) {
		return
	}
	interval, within := d.cfg.PermissionRecheck()
	if interval <= 0 || within <= 0 || !d.awaiting.CompareAndSwap(false, true) {
		return
	}
	d.spawn("permission-recheck", func() {
		defer d.awaiting.Store(false)
		if lock.AwaitPermission(d.ctx, d.perm, clock.RealClock{}, interval, within) {
			d.log.Info("input capture permission granted; lock again to continue")
		} else if d.ctx.Err() == nil {
			d.log.Warn("input capture permission still missing", "waited", within.String())
		}
	})
}

func (d *Daemon) writeMetrics(w io.Writer) error {
	d.lockMetrics.Collect(d.session.Stats())
	return d.registry.WritePrometheus(w)
}

// forceUnlock runs after a recovered panic so input is never left grabbed.
func (d *Daemon) forceUnlock() {
	if d.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := d.session.Unlock(ctx); err != nil && !errors.Is(err, lock.ErrClosed) {
		d.log.Error("unlock after crash failed", "error", err)
	}
}

// Done is closed when the session has stopped.
func (d *Daemon) Done() <-chan struct{} { return d.session.Done() }

// SocketPath returns the control socket path.
func (d *Daemon) SocketPath() string { return d.server.SocketPath() }

// Close unlocks, stops serving and releases every resource.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		d.health.SetReady(false)
		d.cancel()
		if d.loader != nil {
			d.loader.Close()
		}
		d.closeErr = errors.Join(d.session.Close(), d.server.Stop())
		d.wg.Wait()
		d.release()
		d.log.Info("daemon stopped")
	})
	return d.closeErr
}

func (d *Daemon) release() {
	if d.desktopQueue != nil {
		d.desktopQueue.Close()
	}
	if d.desktop != nil {
		d.desktop.Close()
	}
	if d.historyQueue != nil {
		// Record the final unlock before the database closes.
		d.historyQueue.Close()
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.log.Warn("close history", "error", err)
		}
	}
}
