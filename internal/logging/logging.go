// Package logging provides structured logging with slog for keyboardlock.
//
// Features:
//   - JSON and text output formats
//   - Log levels (debug, info, warn, error)
//   - Component loggers
//   - Attribute redaction
//   - Size-based log rotation
//   - Crash reports for recovered panics
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// Redacted replaces the value of every redacted attribute.
const Redacted = "[REDACTED]"

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the output format (text or JSON).
	Format Format

	// Output is "stdout", "stderr", "file", or "both" (stderr and file).
	Output string

	// Writer replaces stdout or stderr as the stream destination.
	Writer io.Writer

	// FilePath is the log file when Output includes a file.
	FilePath string

	// MaxSize is the size of a log file in megabytes that triggers rotation.
	MaxSize int64

	// MaxAge is the age in days after which rotated files are deleted.
	MaxAge int

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	// AddSource adds source file and line to log entries.
	AddSource bool

	// Redact names extra attribute keys whose values are never written.
	Redact []string

	// Component is attached to every entry when set.
	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		MaxSize:    10,
		MaxAge:     30,
		MaxBackups: 3,
		Compress:   true,
		Component:  "keyboardlockd",
	}
}

// Logger wraps slog.Logger with the file it may own.
type Logger struct {
	*slog.Logger
	config  *Config
	rotator *FileRotator
	mu      sync.Mutex
}

// SetDefault installs l as the slog default.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// New creates a new Logger with the given configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Logger{config: cfg}

	w, err := l.setupWriters()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	redact := redactSet(cfg.Redact)
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if _, ok := redact[strings.ToLower(a.Key)]; ok {
				a.Value = slog.StringValue(Redacted)
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

func (l *Logger) stream(def io.Writer) io.Writer {
	if l.config.Writer != nil {
		return l.config.Writer
	}
	return def
}

func (l *Logger) setupWriters() (io.Writer, error) {
	openFile := func() error {
		r, err := NewFileRotator(l.config)
		if err != nil {
			return err
		}
		l.rotator = r
		return nil
	}

	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return l.stream(os.Stdout), nil
	case "file":
		if err := openFile(); err != nil {
			return nil, err
		}
		return l.rotator, nil
	case "both":
		if err := openFile(); err != nil {
			return nil, err
		}
		return io.MultiWriter(l.stream(os.Stderr), l.rotator), nil
	default:
		return l.stream(os.Stderr), nil
	}
}

// sensitiveKeys are always redacted. Key codes are listed so captured
// keystrokes never reach a log file.
var sensitiveKeys = []string{
	"password", "secret", "token", "credential", "cookie",
	"keycode", "key_code", "keys", "text",
}

func redactSet(extra []string) map[string]struct{} {
	set := make(map[string]struct{}, len(sensitiveKeys)+len(extra))
	for _, k := range sensitiveKeys {
		set[k] = struct{}{}
	}
	for _, k := range extra {
		set[strings.ToLower(k)] = struct{}{}
	}
	return set
}

// WithComponent returns a logger whose entries carry component=name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(slog.String("component", name)),
		config:  l.config,
		rotator: l.rotator,
	}
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}
