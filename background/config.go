package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sablewallet/sable/channel"
)

// Config holds the background service configuration
type Config struct {
	// Bus configuration for the page/popup message bus
	Bus channel.BusConfig `yaml:"bus"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Backup configuration
	Backup BackupConfig `yaml:"backup"`
}

// StorageConfig holds durable store settings
type StorageConfig struct {
	// Path is the SQLite database file
	Path string `yaml:"path"`

	// StorageKey is the static deployment secret used to namespace setting
	// keys and to prefix the ephemeral session password. It is not the user
	// password and does not protect the vault records on its own.
	StorageKey string `yaml:"storage_key"`

	// SessionPath is a tmpfs-backed directory for the volatile session
	// store. Empty keeps the session in process memory, which disables
	// unlock revival across restarts.
	SessionPath string `yaml:"session_path"`
}

// BackupConfig holds encrypted S3 backup settings
type BackupConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Use defaults if no config file
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if key := os.Getenv("SABLE_STORAGE_KEY"); key != "" {
		cfg.Storage.StorageKey = key
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Bus: channel.BusConfig{
			URL:           "nats://localhost:4222",
			ReconnectWait: 2000,
			MaxReconnects: -1,
		},
		Storage: StorageConfig{
			Path:        "/var/lib/sable/wallet.db",
			StorageKey:  "sable-dev-storage-key",
			SessionPath: "/run/sable/session",
		},
		Backup: BackupConfig{
			Enabled:   false,
			KeyPrefix: "sable/backups",
		},
	}
}
