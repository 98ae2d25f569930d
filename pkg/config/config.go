// Package config loads the engine configuration from a YAML file, CHATSYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "./chatsync.yaml"

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CHATSYNC_CONFIG"); p != "" {
		return p
	}
	if flagPath == "" {
		return DefaultConfigPath
	}
	return flagPath
}

// Summary lists the effective settings worth logging at startup. Secrets are
// left out.
func (c *Config) Summary() map[string]string {
	sync := "disabled"
	if c.Sync.IsEnabled() {
		sync = c.Sync.RefreshCron
	}
	store := c.Store.Path
	if c.Store.InMemory {
		store = "memory"
	}
	metrics := c.Metrics.Address
	if metrics == "" {
		metrics = "disabled"
	}
	return map[string]string{
		"user_id":          c.Account.UserID,
		"remote":           c.Remote.BaseURL,
		"remote_timeout":   c.Remote.Timeout.String(),
		"store":            store,
		"sync":             sync,
		"max_upload_bytes": c.Attachment.MaxUploadBytes.String(),
		"log_level":        c.Logging.Level,
		"metrics":          metrics,
	}
}
