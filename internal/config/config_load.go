package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyPathDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyPathDefaults()
	return cfg, nil
}

// applyPathDefaults derives unset roots from the data dir.
func (c *Config) applyPathDefaults() {
	c.DataDir = ExpandHome(c.DataDir)
	if c.Workers.WorkRoot == "" {
		c.Workers.WorkRoot = filepath.Join(c.DataDir, "folders")
	} else {
		c.Workers.WorkRoot = ExpandHome(c.Workers.WorkRoot)
	}
	if c.Workers.IPCRoot == "" {
		c.Workers.IPCRoot = filepath.Join(c.DataDir, "ipc")
	} else {
		c.Workers.IPCRoot = ExpandHome(c.Workers.IPCRoot)
	}
}

// Save writes the config to disk. Secret fields carry `json:"-"` tags so
// they never persist.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
