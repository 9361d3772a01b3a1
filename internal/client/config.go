package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the chatctl configuration stored in ~/.matchchat/config.toml.
type Config struct {
	Server    string `toml:"server"`
	Token     string `toml:"token"`
	UserID    string `toml:"user_id"`
	QueuePath string `toml:"queue_path"`
}

// DefaultConfigPath returns ~/.matchchat/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".matchchat", "config.toml"), nil
}

// LoadConfig reads path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Server: "http://localhost:8082"}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.fillDefaults(path)
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	cfg.fillDefaults(path)
	return cfg, nil
}

func (c *Config) fillDefaults(path string) {
	if c.Server == "" {
		c.Server = "http://localhost:8082"
	}
	if c.QueuePath == "" {
		c.QueuePath = filepath.Join(filepath.Dir(path), "queue.db")
	}
}

// Save writes the config as TOML, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}
