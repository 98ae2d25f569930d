package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Flags holds command-line values and which were set explicitly.
type Flags struct {
	Config string
	Store  string
	Remote string
	UserID string
	Set    map[string]bool
}

// EffectiveConfigResult is the merged configuration and where it came from.
type EffectiveConfigResult struct {
	Config     *Config
	ConfigPath string
	FileFound  bool
	EnvUsed    bool
}

// ParseConfigFile loads the config file named by flags. A missing file yields
// an empty config.
func ParseConfigFile(flags Flags) (*Config, string, bool, error) {
	path := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, path, false, nil
		}
		return nil, path, false, err
	}
	return cfg, path, true, nil
}

// ApplyEnv overlays CHATSYNC_* environment variables onto cfg and reports
// whether any was set.
func ApplyEnv(cfg *Config) (bool, error) {
	envs := map[string]string{
		"USER_ID":         os.Getenv("CHATSYNC_USER_ID"),
		"REMOTE_URL":      os.Getenv("CHATSYNC_REMOTE_URL"),
		"REMOTE_TIMEOUT":  os.Getenv("CHATSYNC_REMOTE_TIMEOUT"),
		"REMOTE_TOKEN":    os.Getenv("CHATSYNC_REMOTE_TOKEN"),
		"RATE_RPS":        os.Getenv("CHATSYNC_RATE_RPS"),
		"RATE_BURST":      os.Getenv("CHATSYNC_RATE_BURST"),
		"STORE_PATH":      os.Getenv("CHATSYNC_STORE_PATH"),
		"STORE_IN_MEMORY": os.Getenv("CHATSYNC_STORE_IN_MEMORY"),

		"DIRECTORY_STALE_AFTER": os.Getenv("CHATSYNC_DIRECTORY_STALE_AFTER"),

		// background refresh
		"SYNC_ENABLED": os.Getenv("CHATSYNC_SYNC_ENABLED"),
		"SYNC_CRON":    os.Getenv("CHATSYNC_SYNC_CRON"),

		// attachments
		"MAX_UPLOAD_BYTES": os.Getenv("CHATSYNC_MAX_UPLOAD_BYTES"),
		"PLAYBACK_TICK":    os.Getenv("CHATSYNC_PLAYBACK_TICK"),

		"LOG_LEVEL":    os.Getenv("CHATSYNC_LOG_LEVEL"),
		"LOG_SINK":     os.Getenv("CHATSYNC_LOG_SINK"),
		"METRICS_ADDR": os.Getenv("CHATSYNC_METRICS_ADDR"),
	}

	envUsed := false
	for _, v := range envs {
		if v != "" {
			envUsed = true
			break
		}
	}
	if !envUsed {
		return false, nil
	}

	parseBool := func(v string) bool {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}

	if v := envs["USER_ID"]; v != "" {
		cfg.Account.UserID = v
	}
	if v := envs["REMOTE_URL"]; v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := envs["REMOTE_TIMEOUT"]; v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return true, fmt.Errorf("CHATSYNC_REMOTE_TIMEOUT: %w", err)
		}
		cfg.Remote.Timeout = d
	}
	if v := envs["REMOTE_TOKEN"]; v != "" {
		cfg.Remote.Token = v
	}
	if v := envs["RATE_RPS"]; v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return true, fmt.Errorf("CHATSYNC_RATE_RPS: %w", err)
		}
		cfg.Remote.RateLimit.RPS = f
	}
	if v := envs["RATE_BURST"]; v != "" {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return true, fmt.Errorf("CHATSYNC_RATE_BURST: %w", err)
		}
		cfg.Remote.RateLimit.Burst = i
	}
	if v := envs["STORE_PATH"]; v != "" {
		cfg.Store.Path = v
	}
	if v := envs["STORE_IN_MEMORY"]; v != "" {
		cfg.Store.InMemory = parseBool(v)
	}
	if v := envs["DIRECTORY_STALE_AFTER"]; v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return true, fmt.Errorf("CHATSYNC_DIRECTORY_STALE_AFTER: %w", err)
		}
		cfg.Directory.StaleAfter = d
	}
	if v := envs["SYNC_ENABLED"]; v != "" {
		b := parseBool(v)
		cfg.Sync.Enabled = &b
	}
	if v := envs["SYNC_CRON"]; v != "" {
		cfg.Sync.RefreshCron = v
	}
	if v := envs["MAX_UPLOAD_BYTES"]; v != "" {
		s, err := ParseSizeBytes(v)
		if err != nil {
			return true, fmt.Errorf("CHATSYNC_MAX_UPLOAD_BYTES: %w", err)
		}
		cfg.Attachment.MaxUploadBytes = s
	}
	if v := envs["PLAYBACK_TICK"]; v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return true, fmt.Errorf("CHATSYNC_PLAYBACK_TICK: %w", err)
		}
		cfg.Attachment.PlaybackTick = d
	}
	if v := envs["LOG_LEVEL"]; v != "" {
		cfg.Logging.Level = v
	}
	if v := envs["LOG_SINK"]; v != "" {
		cfg.Logging.Sink = v
	}
	if v := envs["METRICS_ADDR"]; v != "" {
		cfg.Metrics.Address = v
	}
	return true, nil
}

// ApplyFlags overlays explicitly set flags onto cfg.
func ApplyFlags(cfg *Config, flags Flags) {
	if flags.Set["store"] {
		cfg.Store.Path = flags.Store
	}
	if flags.Set["remote"] {
		cfg.Remote.BaseURL = flags.Remote
	}
	if flags.Set["user"] {
		cfg.Account.UserID = flags.UserID
	}
}

// LoadEffectiveConfig merges file, env and flags, then validates the result.
func LoadEffectiveConfig(flags Flags) (EffectiveConfigResult, error) {
	cfg, path, found, err := ParseConfigFile(flags)
	if err != nil {
		return EffectiveConfigResult{}, err
	}
	envUsed, err := ApplyEnv(cfg)
	if err != nil {
		return EffectiveConfigResult{}, err
	}
	ApplyFlags(cfg, flags)
	if err := cfg.ValidateConfig(); err != nil {
		return EffectiveConfigResult{}, err
	}
	return EffectiveConfigResult{Config: cfg, ConfigPath: path, FileFound: found, EnvUsed: envUsed}, nil
}
