package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keyboardlock/internal/capture"
	"keyboardlock/internal/mode"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	if !cfg.Lock.AutoUnlockEnabled {
		t.Error("auto-unlock should be enabled by default")
	}
	if cfg.Lock.AutoUnlockDurationSec != 120 {
		t.Errorf("expected auto-unlock 120s, got %d", cfg.Lock.AutoUnlockDurationSec)
	}
	if cfg.Lock.DefaultMode != "keyboard" {
		t.Errorf("expected default mode keyboard, got %s", cfg.Lock.DefaultMode)
	}
	if cfg.Gesture.RequiredPresses != 6 || cfg.Gesture.WindowMs != 2000 {
		t.Errorf("unexpected gesture defaults: %+v", cfg.Gesture)
	}
	if !strings.HasSuffix(cfg.History.Path, filepath.Join("keyboardlock", "history.db")) {
		t.Errorf("unexpected history path: %s", cfg.History.Path)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, filepath.Join("keyboardlock", "config.toml")) {
		t.Errorf("expected path ending with keyboardlock/config.toml, got %s", path)
	}

	t.Setenv("KEYBOARDLOCK_CONFIG", "/etc/keyboardlock.toml")
	if got := ConfigPath(); got != "/etc/keyboardlock.toml" {
		t.Errorf("KEYBOARDLOCK_CONFIG not honored: %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Gesture.RequiredPresses != 6 {
		t.Errorf("expected defaults, got %+v", cfg.Gesture)
	}
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "config.toml", `
[lock]
auto_unlock_enabled = false
default_mode = "keyboard-mouse"

[gesture]
modifier = "control"
required_presses = 4
window_ms = 1500
`},
		{"json", "config.json", `{
  "lock": {"auto_unlock_enabled": false, "default_mode": "keyboard-mouse"},
  "gesture": {"modifier": "control", "required_presses": 4, "window_ms": 1500}
}`},
		{"yaml", "config.yaml", `
lock:
  auto_unlock_enabled: false
  default_mode: keyboard-mouse
gesture:
  modifier: control
  required_presses: 4
  window_ms: 1500
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.content)

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Lock.AutoUnlockEnabled {
				t.Error("auto_unlock_enabled should be false")
			}
			if cfg.Lock.DefaultMode != "keyboard-mouse" {
				t.Errorf("expected keyboard-mouse, got %s", cfg.Lock.DefaultMode)
			}
			if cfg.Gesture.Modifier != "control" || cfg.Gesture.RequiredPresses != 4 || cfg.Gesture.WindowMs != 1500 {
				t.Errorf("unexpected gesture: %+v", cfg.Gesture)
			}
			// Untouched sections keep their defaults.
			if cfg.History.Limit != 20 {
				t.Errorf("expected default history limit, got %d", cfg.History.Limit)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "this is not valid toml {{{")

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestLoadUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[gesture]\npresses = 3\n")

	_, err := Load(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "gesture.presses") {
		t.Errorf("error should name the key: %v", err)
	}
}

func TestValidateGestureBounds(t *testing.T) {
	tests := []struct {
		presses, windowMs int
		modifier          string
		wantField         string
	}{
		{6, 2000, "command", ""},
		{2, 500, "shift", ""},
		{20, 10000, "alt", ""},
		{1, 2000, "command", "gesture.required_presses"},
		{21, 2000, "command", "gesture.required_presses"},
		{6, 499, "command", "gesture.window_ms"},
		{6, 10001, "command", "gesture.window_ms"},
		{6, 2000, "hyper", "gesture.modifier"},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Gesture = GestureConfig{Modifier: tt.modifier, RequiredPresses: tt.presses, WindowMs: tt.windowMs}
		err := cfg.Validate()
		if tt.wantField == "" {
			if err != nil {
				t.Errorf("%+v: unexpected error %v", cfg.Gesture, err)
			}
			continue
		}
		var verrs ValidationErrors
		if !errors.As(err, &verrs) {
			t.Fatalf("%+v: expected ValidationErrors, got %v", cfg.Gesture, err)
		}
		if fields := verrs.Fields(); len(fields) != 1 || fields[0] != tt.wantField {
			t.Errorf("%+v: expected %s, got %v", cfg.Gesture, tt.wantField, fields)
		}
	}
}

func TestValidationErrorsJoined(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lock.DefaultMode = "everything"
	cfg.Logging.Level = "loud"
	cfg.History.Limit = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("validation errors should match ErrInvalidConfig")
	}
	parts := strings.Split(err.Error(), "; ")
	if len(parts) != 3 {
		t.Fatalf("expected 3 joined errors, got %d: %v", len(parts), err)
	}
	if !strings.Contains(parts[0], "lock.default_mode") {
		t.Errorf("first error should be about the mode: %s", parts[0])
	}
}

func TestValidateAutoUnlockDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lock.AutoUnlockDurationSec = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero duration with auto-unlock enabled should fail")
	}

	cfg.Lock.AutoUnlockEnabled = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero duration with auto-unlock disabled should pass: %v", err)
	}

	cfg.Lock.AutoUnlockDurationSec = -5
	if err := cfg.Validate(); err == nil {
		t.Error("negative duration should fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KEYBOARDLOCK_AUTO_UNLOCK_ENABLED", "false")
	t.Setenv("KEYBOARDLOCK_AUTO_UNLOCK_DURATION_SEC", "30")
	t.Setenv("KEYBOARDLOCK_DEFAULT_MODE", "keyboard-silent")
	t.Setenv("KEYBOARDLOCK_GESTURE_PRESSES", "not-a-number")
	t.Setenv("KEYBOARDLOCK_DEVICES", "/dev/input/event3, /dev/input/event7")
	t.Setenv("KEYBOARDLOCK_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Lock.AutoUnlockEnabled {
		t.Error("env should disable auto-unlock")
	}
	if cfg.Lock.AutoUnlockDurationSec != 30 {
		t.Errorf("expected 30, got %d", cfg.Lock.AutoUnlockDurationSec)
	}
	if cfg.Lock.DefaultMode != "keyboard-silent" {
		t.Errorf("expected keyboard-silent, got %s", cfg.Lock.DefaultMode)
	}
	if cfg.Gesture.RequiredPresses != 6 {
		t.Errorf("malformed override should be ignored, got %d", cfg.Gesture.RequiredPresses)
	}
	if len(cfg.Capture.Devices) != 2 || cfg.Capture.Devices[1] != "/dev/input/event7" {
		t.Errorf("unexpected devices: %v", cfg.Capture.Devices)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug, got %s", cfg.Logging.Level)
	}
}

func TestToLockSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lock.AutoUnlockDurationSec = 5
	cfg.Lock.DefaultMode = "Keyboard-Mouse-Silent"
	cfg.Gesture = GestureConfig{Modifier: "ctrl", RequiredPresses: 3, WindowMs: 750}

	st := cfg.ToLockSettings()
	if !st.AutoUnlockEnabled || st.AutoUnlockDuration != 5*time.Second {
		t.Errorf("unexpected auto-unlock: %v %v", st.AutoUnlockEnabled, st.AutoUnlockDuration)
	}
	if st.DefaultMode != mode.KeyboardAndMouseSilent {
		t.Errorf("expected keyboard-mouse-silent, got %v", st.DefaultMode)
	}
	if st.GestureModifier != capture.ModControl {
		t.Errorf("expected control, got %v", st.GestureModifier)
	}
	if st.GesturePresses != 3 || st.GestureWindow != 750*time.Millisecond {
		t.Errorf("unexpected gesture settings: %d %v", st.GesturePresses, st.GestureWindow)
	}

	cfg.Lock.DefaultMode = "bogus"
	if got := cfg.ToLockSettings().DefaultMode; got != mode.Default {
		t.Errorf("unknown mode should fall back to default, got %v", got)
	}
}

func TestUnlockHint(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.UnlockHint(); got != "Press command 6 times to unlock" {
		t.Errorf("unexpected hint: %q", got)
	}
	cfg.Notifications.UnlockHint = "Tap Super six times"
	if got := cfg.UnlockHint(); got != "Tap Super six times" {
		t.Errorf("configured hint not used: %q", got)
	}
}

func TestSaveAndLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected the file to be created")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}

	cfg.Lock.LaunchAtLogin = true
	cfg.Gesture.RequiredPresses = 8
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	again, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("existing file should not be recreated")
	}
	if !again.Lock.LaunchAtLogin || again.Gesture.RequiredPresses != 8 {
		t.Errorf("saved values not loaded: %+v %+v", again.Lock, again.Gesture)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.History.Path = filepath.Join(dir, "data", "history.db")
	cfg.Logging.CrashDir = filepath.Join(dir, "crashes")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, d := range []string{filepath.Join(dir, "data"), filepath.Join(dir, "crashes")} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", d)
		}
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[gesture]\nrequired_presses = 6\n")

	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	changed := make(chan [2]*Config, 4)
	l.OnChange(func(old, new *Config) { changed <- [2]*Config{old, new} })
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer l.Close()

	writeFile(t, path, "[gesture]\nrequired_presses = 9\n")

	select {
	case c := <-changed:
		if c[0].Gesture.RequiredPresses != 6 {
			t.Errorf("old config should have 6 presses, got %d", c[0].Gesture.RequiredPresses)
		}
		if c[1].Gesture.RequiredPresses != 9 {
			t.Errorf("new config should have 9 presses, got %d", c[1].Gesture.RequiredPresses)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
	if l.Config().Gesture.RequiredPresses != 9 {
		t.Error("Config() should return the reloaded config")
	}
}

func TestLoaderKeepsConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[gesture]\nrequired_presses = 6\n")

	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	applied := make(chan int, 4)
	l.OnChange(func(_, new *Config) { applied <- new.Gesture.RequiredPresses })
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer l.Close()

	writeFile(t, path, "[gesture]\nrequired_presses = 100\n")

	select {
	case err := <-l.Errors():
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected validation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported for invalid config")
	}
	if l.Config().Gesture.RequiredPresses != 6 {
		t.Error("previous config should remain active")
	}
	select {
	case n := <-applied:
		if n != 6 {
			t.Errorf("invalid config applied with %d presses", n)
		}
	default:
	}
}

func TestLoaderCloseWithoutWatch(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "config.toml"))
	if err := l.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
