// Package manager provides shared access to the active configuration.
package manager

import (
	"sync"

	"egress-proxy/internal/config"
)

// ConfigManager holds the active configuration and can reload it from
// disk on demand. Readers always see a complete, validated snapshot.
type ConfigManager struct {
	mu     sync.RWMutex
	config *config.Config
	path   string
}

// New creates a ConfigManager around an already loaded configuration.
func New(cfg *config.Config, configPath string) *ConfigManager {
	return &ConfigManager{
		config: cfg,
		path:   configPath,
	}
}

// Get returns the current configuration. Callers must treat the result
// as read-only; a reload swaps the pointer rather than mutating it.
func (cm *ConfigManager) Get() *config.Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Reload re-reads and validates the configuration file. On failure the
// previous configuration stays active and the error is returned.
func (cm *ConfigManager) Reload() error {
	cfg, err := config.Load(cm.path)
	if err != nil {
		return err
	}
	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()
	return nil
}
