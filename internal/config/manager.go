package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeCallback is told about every accepted configuration change. old is
// a private copy and may be nil.
type ChangeCallback func(oldConfig, newConfig *Config)

// Manager holds the running configuration of a mount and follows edits of
// its file.
type Manager struct {
	mutex      sync.RWMutex
	current    *Config
	configFile string
	callbacks  []ChangeCallback
}

// NewManager wraps config, loaded from configFile. configFile may be empty
// when no file was used.
func NewManager(config *Config, configFile string) *Manager {
	return &Manager{
		current:    config,
		configFile: configFile,
	}
}

// GetConfig returns the running configuration. Callers must not modify it.
func (m *Manager) GetConfig() *Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// UpdateConfig validates config, makes it the running configuration and
// runs the callbacks outside the lock.
func (m *Manager) UpdateConfig(config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	m.mutex.Lock()
	var oldConfig *Config
	if m.current != nil {
		oldConfig = m.current.DeepCopy()
	}
	m.current = config
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mutex.Unlock()

	for _, callback := range callbacks {
		callback(oldConfig, config)
	}
	return nil
}

// OnConfigChange registers callback for later changes.
func (m *Manager) OnConfigChange(callback ChangeCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// ReloadConfig reloads configuration from file. Settings that only take
// effect at mount time keep their running values.
func (m *Manager) ReloadConfig() error {
	if m.configFile == "" {
		return fmt.Errorf("no config file to reload")
	}

	v := newViper(m.configFile)
	config, err := read(v, m.configFile)
	if err != nil {
		return err
	}

	current := m.GetConfig()
	if current != nil {
		config.WebDAV = current.WebDAV
		config.Mount = current.Mount
		config.Cache = current.Cache
		config.Locking = current.Locking
	}

	return m.UpdateConfig(config)
}

// Watch reloads the configuration whenever the file changes. Reload
// errors are passed to onError.
func (m *Manager) Watch(onError func(error)) {
	if m.configFile == "" {
		return
	}

	v := viper.New()
	v.SetConfigFile(m.configFile)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.ReloadConfig(); err != nil && onError != nil {
			onError(err)
		}
	})
	v.WatchConfig()
}

// SaveConfig writes the running configuration back to its file.
func (m *Manager) SaveConfig() error {
	config := m.GetConfig()
	if config == nil {
		return fmt.Errorf("no configuration to save")
	}
	if m.configFile == "" {
		return fmt.Errorf("configuration was not loaded from a file")
	}

	return SaveToFile(config, m.configFile)
}
