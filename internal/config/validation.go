package config

import (
	"errors"
	"fmt"
	"strings"

	"keyboardlock/internal/capture"
	"keyboardlock/internal/mode"
)

// Gesture bounds accepted by the validator.
const (
	MinRequiredPresses = 2
	MaxRequiredPresses = 20
	MinWindowMs        = 500
	MaxWindowMs        = 10000
)

// ErrInvalidConfig matches every validation failure with errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Is reports ErrInvalidConfig.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidConfig }

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool { return target == ErrInvalidConfig }

// Fields returns the offending field names in order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, v := range e {
		out = append(out, v.Field)
	}
	return out
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateConfig checks every section and returns all problems at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs.add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	validateLock(&c.Lock, &errs)
	validateGesture(&c.Gesture, &errs)
	validateCapture(&c.Capture, &errs)
	validateIPC(&c.IPC, &errs)
	validateLogging(&c.Logging, &errs)
	validateHistory(&c.History, &errs)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateLock(l *LockConfig, errs *ValidationErrors) {
	switch {
	case l.AutoUnlockDurationSec < 0:
		errs.add("lock.auto_unlock_duration_sec", "cannot be negative")
	case l.AutoUnlockEnabled && l.AutoUnlockDurationSec == 0:
		errs.add("lock.auto_unlock_duration_sec", "must be at least 1 second when auto-unlock is enabled")
	}
	if _, err := mode.Parse(l.DefaultMode); err != nil {
		names := make([]string, 0, 4)
		for _, m := range mode.All() {
			names = append(names, m.String())
		}
		errs.add("lock.default_mode", "unknown mode %q (valid: %s)", l.DefaultMode, strings.Join(names, ", "))
	}
}

func validateGesture(g *GestureConfig, errs *ValidationErrors) {
	if _, err := capture.ParseModifier(g.Modifier); err != nil {
		errs.add("gesture.modifier", "%v (valid: command, control, option, shift)", err)
	}
	if g.RequiredPresses < MinRequiredPresses || g.RequiredPresses > MaxRequiredPresses {
		errs.add("gesture.required_presses", "value must be between %d and %d", MinRequiredPresses, MaxRequiredPresses)
	}
	if g.WindowMs < MinWindowMs || g.WindowMs > MaxWindowMs {
		errs.add("gesture.window_ms", "value must be between %d and %d", MinWindowMs, MaxWindowMs)
	}
}

func validateCapture(c *CaptureConfig, errs *ValidationErrors) {
	for i, d := range c.Devices {
		if !strings.HasPrefix(d, "/dev/") {
			errs.add(fmt.Sprintf("capture.devices[%d]", i), "device %q is not under /dev", d)
		}
	}
	if c.PermissionRecheckSec < 1 {
		errs.add("capture.permission_recheck_sec", "must be at least 1 second")
	}
	if c.PermissionRecheckTimeoutSec < c.PermissionRecheckSec {
		errs.add("capture.permission_recheck_timeout_sec", "must not be shorter than the re-check interval")
	}
}

func validateIPC(i *IPCConfig, errs *ValidationErrors) {
	// sun_path is 104 bytes on macOS, 108 on Linux.
	if len(i.SocketPath) > 103 {
		errs.add("ipc.socket_path", "path is longer than 103 bytes")
	}
	if i.MaxConnections < 1 {
		errs.add("ipc.max_connections", "max connections must be at least 1")
	}
	if i.IdleTimeoutSec < 1 {
		errs.add("ipc.idle_timeout_sec", "timeout must be at least 1 second")
	}
	if i.RequestsPerSecond < 0 {
		errs.add("ipc.requests_per_second", "rate cannot be negative")
	}
}

func validateLogging(l *LoggingConfig, errs *ValidationErrors) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs.add("logging.level", "invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}

	switch l.Format {
	case "text", "json":
	default:
		errs.add("logging.format", "invalid log format: %s (valid: text, json)", l.Format)
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs.add("logging.file_path", "file path is required when output is %q", l.Output)
		}
		if l.MaxSizeMB < 1 {
			errs.add("logging.max_size_mb", "max size must be at least 1 MB")
		}
	default:
		errs.add("logging.output", "invalid log output: %s (valid: stdout, stderr, file, both)", l.Output)
	}

	if l.MaxBackups < 0 {
		errs.add("logging.max_backups", "max backups cannot be negative")
	}
	if l.MaxAgeDays < 0 {
		errs.add("logging.max_age_days", "max age cannot be negative")
	}
}

func validateHistory(h *HistoryConfig, errs *ValidationErrors) {
	if !h.Enabled {
		return
	}
	if h.Path == "" {
		errs.add("history.path", "path is required when history is enabled")
	}
	if h.Limit < 1 {
		errs.add("history.limit", "limit must be at least 1")
	}
	if h.RetentionDays < 0 {
		errs.add("history.retention_days", "retention cannot be negative")
	}
}
