package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/crypto"
	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
)

// Load reads path, applies environment overrides, opens sealed credentials
// and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.OpenSecrets(crypto.MachineID()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, "read config", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfiguration, "decode TOML", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfiguration, "decode YAML", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfiguration, "decode JSON", err)
		}
	default:
		return nil, apperrors.Newf(apperrors.ErrConfiguration, "unsupported config format %q", ext)
	}
	return cfg, nil
}

// Loader keeps the current configuration and reloads it when the file changes.
type Loader struct {
	path     string
	debounce time.Duration

	mu       sync.RWMutex
	config   *Config
	onChange []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	errChan chan error
	wg      sync.WaitGroup
}

// NewLoader creates a loader for path.
func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		debounce: 100 * time.Millisecond,
		errChan:  make(chan error, 1),
	}
}

// Load reads the file and stores the result as current.
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

// OnChange registers a callback invoked with every successfully reloaded config.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns reload failures. Invalid files never replace the current config.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch starts watching the configuration file's directory.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	l.wg.Add(1)
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer l.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.done:
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.reportError(err)
		}
	}
}

func (l *Loader) reportError(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

func (l *Loader) reload() {
	cfg, err := Load(l.path)
	if err != nil {
		l.reportError(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	l.config = cfg
	callbacks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Close stops the watcher.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.wg.Wait()
	l.watcher = nil
	return err
}
