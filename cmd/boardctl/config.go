package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigName = ".boardctl.yaml"
	defaultServer     = "http://localhost:8080"
)

// cliConfig is what boardctl remembers between runs.
type cliConfig struct {
	Server string `yaml:"server"`
	Email  string `yaml:"email,omitempty"`
	Token  string `yaml:"token,omitempty"`
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(home, defaultConfigName)
}

// loadConfig reads path. A missing file yields the defaults.
func loadConfig(path string) (cliConfig, error) {
	cfg := cliConfig{Server: defaultServer}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Server == "" {
		cfg.Server = defaultServer
	}
	return cfg, nil
}

// saveConfig writes cfg owner-readable only, since it holds a session token.
func saveConfig(path string, cfg cliConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
