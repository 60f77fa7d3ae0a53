package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "keyboardlock"

// PlatformDataDir returns the directory for persistent state.
//
// Platform paths:
//   - macOS: ~/Library/Application Support/keyboardlock/
//   - Linux: $XDG_DATA_HOME/keyboardlock/ or ~/.local/share/keyboardlock/
//
// KEYBOARDLOCK_DATA_DIR overrides both.
func PlatformDataDir() string {
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		return v
	}
	switch runtime.GOOS {
	case "darwin":
		return macOSSupportDir()
	default:
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	}
}

// PlatformConfigDir returns the directory holding config.toml.
//
// Platform paths:
//   - macOS: ~/Library/Application Support/keyboardlock/
//   - Linux: $XDG_CONFIG_HOME/keyboardlock/ or ~/.config/keyboardlock/
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSSupportDir()
	default:
		return xdgDir("XDG_CONFIG_HOME", ".config")
	}
}

// PlatformLogDir returns the directory for log files and crash reports.
//
// Platform paths:
//   - macOS: ~/Library/Logs/keyboardlock/
//   - Linux: $XDG_STATE_HOME/keyboardlock/ or ~/.local/state/keyboardlock/
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	default:
		return xdgDir("XDG_STATE_HOME", ".local", "state")
	}
}

// PlatformRuntimeDir returns the directory for the control socket.
func PlatformRuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, appName)
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

func macOSSupportDir() string {
	return filepath.Join(homeDir(), "Library", "Application Support", appName)
}

func xdgDir(env string, fallback ...string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appName)
	}
	parts := append([]string{homeDir()}, fallback...)
	return filepath.Join(append(parts, appName)...)
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}

// SupportedConfigFormats returns the accepted config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile returns the first config file found in the config
// directory, or ConfigPath() when none exists.
func FindConfigFile() string {
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	dir := PlatformConfigDir()
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config."+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ConfigPath()
}
