package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version,omitempty"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	GoVersion    string         `json:"go_version"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler recovers panics, writes a JSON report per crash and runs
// the OnCrash hook. The daemon uses the hook to release input capture
// before exiting.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	logger    *slog.Logger
	onCrash   func(CrashReport)
	now       func() time.Time
	seq       int
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// CrashDir is the directory to write crash reports to.
	CrashDir string

	// Version is the application version.
	Version string

	// Component is the component name.
	Component string

	// Logger receives a summary of every crash.
	Logger *slog.Logger

	// OnCrash is called after the report is written. It runs on the
	// panicking goroutine and must not panic itself.
	OnCrash func(CrashReport)
}

// NewCrashHandler creates a CrashHandler. The crash directory is created
// on the first crash.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	if cfg.CrashDir == "" {
		cfg.CrashDir = filepath.Join(os.TempDir(), "keyboardlock-crashes")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
		logger:    cfg.Logger,
		onCrash:   cfg.OnCrash,
		now:       time.Now,
	}
}

// SetOnCrash replaces the crash hook.
func (h *CrashHandler) SetOnCrash(fn func(CrashReport)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCrash = fn
}

// Recover runs fn and reports a panic instead of propagating it.
func (h *CrashHandler) Recover(fn func()) {
	defer h.recover(nil)
	fn()
}

// RecoverGoroutine is meant to be deferred at the top of a goroutine:
//
//	go func() { defer crashHandler.RecoverGoroutine("ipc"); ... }()
func (h *CrashHandler) RecoverGoroutine(name string) {
	if r := recover(); r != nil {
		h.HandlePanic(r, map[string]any{"goroutine": name})
	}
}

// Go starts fn on a new goroutine guarded by the handler.
func (h *CrashHandler) Go(name string, fn func()) {
	go func() {
		defer h.RecoverGoroutine(name)
		fn()
	}()
}

func (h *CrashHandler) recover(contextInfo map[string]any) {
	if r := recover(); r != nil {
		h.HandlePanic(r, contextInfo)
	}
}

// HandlePanic builds and stores a report for panicValue and runs the
// crash hook.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) {
	h.mu.Lock()
	report := CrashReport{
		Timestamp:    h.now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		Context:      contextInfo,
	}
	path, err := h.writeCrashReport(report)
	onCrash := h.onCrash
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("crash report not written", "error", err)
	}
	h.logger.Error("recovered panic", "panic", report.PanicValue, "report", path)

	if onCrash != nil {
		onCrash(report)
	}
}

func (h *CrashHandler) writeCrashReport(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.crashDir, 0700); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}
	h.seq++
	component := report.Component
	if component == "" {
		component = "keyboardlock"
	}
	name := fmt.Sprintf("crash-%s-%s-%d.json", component, report.Timestamp.Format("20060102-150405"), h.seq)
	path := filepath.Join(h.crashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// GetCrashReports reads all stored crash reports. Unreadable files are
// skipped.
func (h *CrashHandler) GetCrashReports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// CleanupOldCrashReports removes crash reports older than maxAge.
func (h *CrashHandler) CleanupOldCrashReports(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return err
	}
	cutoff := h.now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
