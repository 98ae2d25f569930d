package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Account    AccountConfig    `yaml:"account"`
	Remote     RemoteConfig     `yaml:"remote"`
	Store      StoreConfig      `yaml:"store"`
	Directory  DirectoryConfig  `yaml:"directory"`
	Sync       SyncConfig       `yaml:"sync"`
	Attachment AttachmentConfig `yaml:"attachment"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// AccountConfig identifies the signed-in user.
type AccountConfig struct {
	UserID string `yaml:"user_id"`
}

// RemoteConfig holds backend connection settings.
type RemoteConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Timeout   Duration `yaml:"timeout"`
	Token     string   `yaml:"token"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// StoreConfig controls the local pebble database.
type StoreConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

type DirectoryConfig struct {
	// StaleAfter is how long a fetched list counts as fresh. Zero revalidates
	// on every read.
	StaleAfter Duration `yaml:"stale_after"`
}

// SyncConfig drives the background directory refresh.
type SyncConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	RefreshCron string `yaml:"refresh_cron"`
}

// IsEnabled reports whether scheduled refresh runs. Unset means enabled.
func (s SyncConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type AttachmentConfig struct {
	MaxUploadBytes SizeBytes `yaml:"max_upload_bytes"`
	PlaybackTick   Duration  `yaml:"playback_tick"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"`
}

// MetricsConfig enables the prometheus endpoint when Address is set.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "25MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSizeBytes(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// ParseSizeBytes accepts "25MB", "1 MiB" or a plain byte count.
func ParseSizeBytes(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// ParseDuration accepts Go duration strings or numeric seconds.
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
