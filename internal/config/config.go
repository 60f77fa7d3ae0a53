// Package config handles configuration loading, validation, and hot
// reloading for keyboardlock.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"keyboardlock/internal/capture"
	"keyboardlock/internal/lock"
	"keyboardlock/internal/mode"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KEYBOARDLOCK_"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Lock          LockConfig          `toml:"lock" json:"lock" yaml:"lock"`
	Gesture       GestureConfig       `toml:"gesture" json:"gesture" yaml:"gesture"`
	Capture       CaptureConfig       `toml:"capture" json:"capture" yaml:"capture"`
	IPC           IPCConfig           `toml:"ipc" json:"ipc" yaml:"ipc"`
	Logging       LoggingConfig       `toml:"logging" json:"logging" yaml:"logging"`
	History       HistoryConfig       `toml:"history" json:"history" yaml:"history"`
	Notifications NotificationsConfig `toml:"notifications" json:"notifications" yaml:"notifications"`
}

// LockConfig holds the user facing lock settings.
type LockConfig struct {
	// AutoUnlockEnabled ends every lock after AutoUnlockDurationSec.
	AutoUnlockEnabled bool `toml:"auto_unlock_enabled" json:"auto_unlock_enabled" yaml:"auto_unlock_enabled"`

	// AutoUnlockDurationSec is the auto-unlock delay in seconds.
	AutoUnlockDurationSec int `toml:"auto_unlock_duration_sec" json:"auto_unlock_duration_sec" yaml:"auto_unlock_duration_sec"`

	// DefaultMode is used when a lock request names no mode.
	DefaultMode string `toml:"default_mode" json:"default_mode" yaml:"default_mode"`

	// LaunchAtLogin is persisted for the desktop integration. The daemon
	// does not act on it.
	LaunchAtLogin bool `toml:"launch_at_login" json:"launch_at_login" yaml:"launch_at_login"`
}

// GestureConfig configures the unlock gesture.
type GestureConfig struct {
	// Modifier is the designated modifier key: command, control, option
	// or shift.
	Modifier string `toml:"modifier" json:"modifier" yaml:"modifier"`

	// RequiredPresses is the number of presses that unlocks.
	RequiredPresses int `toml:"required_presses" json:"required_presses" yaml:"required_presses"`

	// WindowMs is the longest gap between two presses in milliseconds.
	WindowMs int `toml:"window_ms" json:"window_ms" yaml:"window_ms"`
}

// CaptureConfig configures the input capture hook.
type CaptureConfig struct {
	// Devices lists evdev nodes to grab. Empty means discover keyboards
	// and pointers from /proc/bus/input/devices. Linux only.
	Devices []string `toml:"devices" json:"devices" yaml:"devices"`

	// PermissionRecheckSec is how often permission is checked again after
	// a denied lock.
	PermissionRecheckSec int `toml:"permission_recheck_sec" json:"permission_recheck_sec" yaml:"permission_recheck_sec"`

	// PermissionRecheckTimeoutSec bounds the re-check.
	PermissionRecheckTimeoutSec int `toml:"permission_recheck_timeout_sec" json:"permission_recheck_timeout_sec" yaml:"permission_recheck_timeout_sec"`
}

// IPCConfig configures the control socket.
type IPCConfig struct {
	// SocketPath is the Unix socket path. Empty selects the runtime
	// directory default.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// MaxConnections caps concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// IdleTimeoutSec is the idle time after which a client is pinged.
	IdleTimeoutSec int `toml:"idle_timeout_sec" json:"idle_timeout_sec" yaml:"idle_timeout_sec"`

	// RequestsPerSecond limits each client. Bursts of twice the rate are
	// allowed. Zero disables the limit.
	RequestsPerSecond int `toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"`
}

// LoggingConfig configures daemon logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output writes to a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// CrashDir receives crash reports.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// HistoryConfig configures the lock history journal.
type HistoryConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Limit is the default number of entries a history request returns.
	Limit int `toml:"limit" json:"limit" yaml:"limit"`

	// RetentionDays prunes older entries on startup. Zero keeps everything.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// NotificationsConfig configures desktop notifications.
type NotificationsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// UnlockHint is shown while locked in modes offering an unlock button.
	// Empty derives a hint from the gesture settings.
	UnlockHint string `toml:"unlock_hint" json:"unlock_hint" yaml:"unlock_hint"`
}

// DefaultConfig returns a configuration with the factory settings.
func DefaultConfig() *Config {
	dataDir := PlatformDataDir()
	logDir := PlatformLogDir()

	return &Config{
		Version: Version,
		Lock: LockConfig{
			AutoUnlockEnabled:     true,
			AutoUnlockDurationSec: int(lock.DefaultAutoUnlockDuration / time.Second),
			DefaultMode:           mode.Default.String(),
		},
		Gesture: GestureConfig{
			Modifier:        "command",
			RequiredPresses: 6,
			WindowMs:        2000,
		},
		Capture: CaptureConfig{
			PermissionRecheckSec:        2,
			PermissionRecheckTimeoutSec: 60,
		},
		IPC: IPCConfig{
			MaxConnections:    32,
			IdleTimeoutSec:    60,
			RequestsPerSecond: 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(logDir, "keyboardlockd.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
			Compress:   true,
			CrashDir:   filepath.Join(logDir, "crashes"),
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir, "history.db"),
			Limit:         20,
			RetentionDays: 90,
		},
		Notifications: NotificationsConfig{
			Enabled: true,
		},
	}
}

// ConfigPath returns the default configuration file path. It honors
// KEYBOARDLOCK_CONFIG.
func ConfigPath() string {
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults. The format
// follows the file extension, TOML otherwise.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Logging.CrashDir}
	if c.History.Enabled {
		dirs = append(dirs, filepath.Dir(c.History.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies KEYBOARDLOCK_* environment variables.
// Malformed numeric or boolean values are ignored.
func (c *Config) ApplyEnvOverrides() {
	envBool("AUTO_UNLOCK_ENABLED", &c.Lock.AutoUnlockEnabled)
	envInt("AUTO_UNLOCK_DURATION_SEC", &c.Lock.AutoUnlockDurationSec)
	envString("DEFAULT_MODE", &c.Lock.DefaultMode)

	envString("GESTURE_MODIFIER", &c.Gesture.Modifier)
	envInt("GESTURE_PRESSES", &c.Gesture.RequiredPresses)
	envInt("GESTURE_WINDOW_MS", &c.Gesture.WindowMs)

	if v := os.Getenv(EnvPrefix + "DEVICES"); v != "" {
		c.Capture.Devices = splitList(v)
	}

	envString("SOCKET_PATH", &c.IPC.SocketPath)

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
	envString("LOG_OUTPUT", &c.Logging.Output)
	envString("LOG_PATH", &c.Logging.FilePath)

	envBool("HISTORY_ENABLED", &c.History.Enabled)
	envString("HISTORY_PATH", &c.History.Path)

	envBool("NOTIFICATIONS_ENABLED", &c.Notifications.Enabled)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == os.PathListSeparator }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Capture.Devices = append([]string(nil), c.Capture.Devices...)
	return &clone
}

// ToLockSettings converts the lock and gesture sections into session
// settings. Invalid values fall back to the factory settings, so callers
// should Validate first.
func (c *Config) ToLockSettings() lock.Settings {
	st := lock.DefaultSettings()
	st.AutoUnlockEnabled = c.Lock.AutoUnlockEnabled
	if c.Lock.AutoUnlockDurationSec > 0 {
		st.AutoUnlockDuration = time.Duration(c.Lock.AutoUnlockDurationSec) * time.Second
	}
	st.DefaultMode = mode.ParseOr(c.Lock.DefaultMode, mode.Default)
	if m, err := capture.ParseModifier(c.Gesture.Modifier); err == nil {
		st.GestureModifier = m
	}
	if c.Gesture.RequiredPresses > 0 {
		st.GesturePresses = c.Gesture.RequiredPresses
	}
	if c.Gesture.WindowMs > 0 {
		st.GestureWindow = time.Duration(c.Gesture.WindowMs) * time.Millisecond
	}
	return st
}

// UnlockHint returns the configured hint or one derived from the gesture
// settings.
func (c *Config) UnlockHint() string {
	if c.Notifications.UnlockHint != "" {
		return c.Notifications.UnlockHint
	}
	key := c.Gesture.Modifier
	if m, err := capture.ParseModifier(key); err == nil {
		key = m.String()
	}
	return fmt.Sprintf("Press %s %d times to unlock", key, c.Gesture.RequiredPresses)
}

// PermissionRecheck returns the re-check interval and timeout.
func (c *Config) PermissionRecheck() (interval, timeout time.Duration) {
	return time.Duration(c.Capture.PermissionRecheckSec) * time.Second,
		time.Duration(c.Capture.PermissionRecheckTimeoutSec) * time.Second
}
