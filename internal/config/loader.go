package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DebounceDelay coalesces bursts of file events into one reload.
const DebounceDelay = 100 * time.Millisecond

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	mu       sync.RWMutex
	config   *Config
	watcher  *fsnotify.Watcher
	onChange []func(old, new *Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
	done     chan struct{}
}

// NewLoader creates a loader for path. An empty path uses FindConfigFile.
func NewLoader(path string) *Loader {
	if path == "" {
		path = FindConfigFile()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Load reads, overrides and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback invoked after each successful reload.
// Register callbacks before calling Watch.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors returns reload and watcher errors. Errors are dropped while
// nobody reads them.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch starts watching the configuration file. The directory is watched
// so editors that replace the file by rename are seen too.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		watcher.Close()
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer close(l.done)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	name := filepath.Base(l.path)

	for {
		select {
		case <-l.ctx.Done():
			return

		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(DebounceDelay, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// reload keeps the previous configuration when the new one is invalid.
func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	newCfg, err := Load(l.path)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	oldCfg := l.config
	l.config = newCfg
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
}

// Close stops the watcher.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	return err
}

// loadConfigFromFile reads and decodes path on top of the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// codec reads and writes one file format.
type codec struct {
	name   string
	decode func(data []byte, cfg *Config) error
	encode func(cfg *Config) ([]byte, error)
}

var (
	jsonCodec = codec{
		name:   "JSON",
		decode: func(data []byte, cfg *Config) error { return json.Unmarshal(data, cfg) },
		encode: func(cfg *Config) ([]byte, error) { return json.MarshalIndent(cfg, "", "  ") },
	}
	yamlCodec = codec{
		name:   "YAML",
		decode: func(data []byte, cfg *Config) error { return yaml.Unmarshal(data, cfg) },
		encode: func(cfg *Config) ([]byte, error) { return yaml.Marshal(cfg) },
	}
	tomlCodec = codec{
		name: "TOML",
		decode: func(data []byte, cfg *Config) error {
			md, err := toml.Decode(string(data), cfg)
			if err != nil {
				return err
			}
			// Typos in a settings file would otherwise be silently ignored.
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				return &ValidationError{Field: undecoded[0].String(), Message: "unknown key"}
			}
			return nil
		},
		encode: func(cfg *Config) ([]byte, error) {
			var buf bytes.Buffer
			err := toml.NewEncoder(&buf).Encode(cfg)
			return buf.Bytes(), err
		},
	}
)

// codecFor picks the format from the file extension. TOML is the default.
func codecFor(path string) codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return jsonCodec
	case ".yaml", ".yml":
		return yamlCodec
	default:
		return tomlCodec
	}
}

func decode(path string, data []byte, cfg *Config) error {
	c := codecFor(path)
	if err := c.decode(data, cfg); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return err
		}
		return fmt.Errorf("decode %s: %w", c.name, err)
	}
	return nil
}

// SaveConfig writes cfg to path in the format its extension names,
// creating the directory with owner-only permissions.
func SaveConfig(cfg *Config, path string) error {
	data, err := codecFor(path).encode(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate loads path, writing the defaults there first when the file
// does not exist. The boolean reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, cfg.Validate()
	}
	cfg, err := Load(path)
	return cfg, false, err
}
