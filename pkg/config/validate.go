package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/adhocore/gronx"
)

const (
	defaultRemoteTimeout  = 10 * time.Second
	defaultRateBurst      = 10
	defaultStorePath      = "./.chatsync"
	defaultRefreshCron    = "*/5 * * * *"
	defaultMaxUploadBytes = 25 << 20
	defaultPlaybackTick   = 200 * time.Millisecond
	defaultLogLevel       = "info"
)

// ValidateConfig fills defaults and fails fast on invalid values.
func (c *Config) ValidateConfig() error {
	if c.Account.UserID == "" {
		return fmt.Errorf("account.user_id is empty: set it in config, CHATSYNC_USER_ID or --user")
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is empty: set it in config, CHATSYNC_REMOTE_URL or --remote")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid remote.base_url %q: want http(s)://host", c.Remote.BaseURL)
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = Duration(defaultRemoteTimeout)
	}
	if c.Remote.RateLimit.RPS < 0 {
		return fmt.Errorf("remote.rate_limit.rps must not be negative")
	}
	if c.Remote.RateLimit.Burst <= 0 {
		c.Remote.RateLimit.Burst = defaultRateBurst
	}

	if !c.Store.InMemory && c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}

	if c.Directory.StaleAfter < 0 {
		return fmt.Errorf("directory.stale_after must not be negative")
	}

	if c.Sync.RefreshCron == "" {
		c.Sync.RefreshCron = defaultRefreshCron
	}
	if c.Sync.IsEnabled() && !gronx.IsValid(c.Sync.RefreshCron) {
		return fmt.Errorf("invalid sync.refresh_cron expression: %s", c.Sync.RefreshCron)
	}

	if c.Attachment.MaxUploadBytes < 0 {
		return fmt.Errorf("attachment.max_upload_bytes must not be negative")
	}
	if c.Attachment.MaxUploadBytes == 0 {
		c.Attachment.MaxUploadBytes = SizeBytes(defaultMaxUploadBytes)
	}
	if c.Attachment.PlaybackTick <= 0 {
		c.Attachment.PlaybackTick = Duration(defaultPlaybackTick)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	return nil
}
