// Package config loads, validates, and hot-reloads the YAML/JSON runtime
// configuration.
package config

import "fmt"

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Remote   RemoteConfig   `json:"remote"`
	Scan     ScanConfig     `json:"scan"`
	Session  SessionConfig  `json:"session"`
	Telegram TelegramConfig `json:"telegram"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RemoteConfig points at the tracked site.
type RemoteConfig struct {
	BaseURL string `json:"base_url"`
	// Timeout is a Go duration string. Defaults to "30s".
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ScanConfig controls the background cycle.
//
// Schedule accepts a cron expression ("*/15 * * * *", "@hourly"), a Go
// duration ("50m"), or HH:MM ("00:50"). Jitter is a Go duration string
// applied to interval schedules only.
type ScanConfig struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule"`
	Jitter     string `json:"jitter,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

type SessionConfig struct {
	// MaxAge is a Go duration string. Cached sessions older than this
	// are discarded. Defaults to "45m".
	MaxAge string `json:"max_age,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outgoing messages. Defaults to 25.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// AdminUserIDs may use management commands for any tenant.
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
}

// Validate rejects configs that cannot possibly run. Duration and
// schedule strings are checked where they are consumed; this only guards
// the fields with no usable default.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url required")
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token required")
	}
	if c.Scan.Enabled && c.Scan.Schedule == "" {
		return fmt.Errorf("scan.schedule required when scan.enabled")
	}
	return nil
}
