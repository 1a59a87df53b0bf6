package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/framelink/internal/logger"
)

// ErrUnknownKey is returned by GetValue and Set for keys that are not in
// the configuration.
var ErrUnknownKey = errors.New("configuration key not found")

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath is ~/.config/framelink/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "framelink", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when it is empty. A
// missing file is created from Defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	m := &Manager{configPath: path}
	if err := m.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		cfg := Defaults()
		m.config = &cfg
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("display_mode", m.config.Output.DisplayMode).
		Msg("Config loaded")
	return m, nil
}

// decode parses and validates YAML. Fields missing from data keep their
// default values; unknown fields are an error.
func decode(data []byte) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}
	cfg, err := decode(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return Defaults()
	}
	return *m.config
}

// Save writes the current configuration to disk.
func (m *Manager) Save() error {
	cfg := m.Get()

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", filepath.Dir(m.configPath)).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update validates cfg, replaces the configuration and saves it.
func (m *Manager) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return m.Save()
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

func (m *Manager) tree() (map[string]interface{}, error) {
	cfg := m.Get()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// lookup walks a dotted key such as "output.audio.channels" and returns
// the map holding the last segment.
func lookup(tree map[string]interface{}, key string) (map[string]interface{}, string, error) {
	parts := strings.Split(key, ".")
	node := tree
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]interface{})
		if !ok {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		node = next
	}
	last := parts[len(parts)-1]
	if _, ok := node[last]; !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return node, last, nil
}

// GetValue returns the value at a dotted key. Sections come back as maps.
func (m *Manager) GetValue(key string) (interface{}, error) {
	tree, err := m.tree()
	if err != nil {
		return nil, err
	}
	node, last, err := lookup(tree, key)
	if err != nil {
		return nil, err
	}
	return node[last], nil
}

// Set parses value as a YAML scalar, stores it at a dotted key, validates
// the result and saves it.
func (m *Manager) Set(key, value string) error {
	tree, err := m.tree()
	if err != nil {
		return err
	}
	node, last, err := lookup(tree, key)
	if err != nil {
		return err
	}
	if _, section := node[last].(map[string]interface{}); section {
		return fmt.Errorf("%s is a section, set one of its keys", key)
	}

	var v interface{}
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	node[last] = v

	data, err := yaml.Marshal(tree)
	if err != nil {
		return err
	}
	cfg, err := decode(data)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return m.Update(*cfg)
}

// Watch reloads the file whenever it changes on disk and passes the new
// configuration to onChange. A file that fails to parse or validate is
// logged and the previous configuration is kept. Watch blocks until ctx
// is done.
func (m *Manager) Watch(ctx context.Context, onChange func(Config)) error {
	log := logger.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace the file rather than writing it, so watch the
	// directory and filter by name.
	if err := watcher.Add(filepath.Dir(m.configPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(m.configPath), err)
	}
	target := filepath.Clean(m.configPath)
	log.Info().Str("path", target).Msg("Watching config file")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Config watch has ended")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// A truncate arrives as a write of an empty file.
			if fi, err := os.Stat(target); err != nil || fi.Size() == 0 {
				continue
			}
			if err := m.load(); err != nil {
				log.Warn().Err(err).Msg("Ignoring invalid config change")
				continue
			}
			log.Info().Str("op", event.Op.String()).Msg("Config reloaded")
			if onChange != nil {
				onChange(m.Get())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}
