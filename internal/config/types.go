package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. JSON and YAML files are accepted; YAML
// is coerced to JSON so both go through the same strict decoder.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Tracker   TrackerConfig   `json:"tracker"`
	Telegram  TelegramConfig  `json:"telegram"`
	Admins    []string        `json:"admins"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout"`
}

type SchedulerConfig struct {
	MaxRetries      int      `json:"max_retries"`
	RetryBaseDelay  Duration `json:"retry_base_delay"`
	AttemptTimeout  Duration `json:"attempt_timeout"`
	Retention       Duration `json:"retention"`
	CleanupInterval Duration `json:"cleanup_interval"`
}

type TrackerConfig struct {
	BaseURL string   `json:"base_url"`
	Token   string   `json:"token"`
	Timeout Duration `json:"timeout"`
}

type TelegramConfig struct {
	Token      string  `json:"token"`
	ChatIDs    []int64 `json:"chat_ids"`
	RatePerSec int     `json:"rate_per_sec"`
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.Tracker.BaseURL) == "" {
		return errors.New("tracker.base_url is required")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(c.Telegram.ChatIDs) == 0 {
		return errors.New("telegram.chat_ids is required")
	}
	if c.Scheduler.Retention <= 0 {
		c.Scheduler.Retention = Duration(7 * 24 * time.Hour)
	}
	if c.Scheduler.CleanupInterval <= 0 {
		c.Scheduler.CleanupInterval = Duration(time.Hour)
	}
	return nil
}

// IsAdmin reports whether userID is on the admin allow-list.
func (c *Config) IsAdmin(userID string) bool {
	for _, a := range c.Admins {
		if a == userID {
			return true
		}
	}
	return false
}

// Duration is a time.Duration that unmarshals from a Go duration string
// ("90s", "1h30m") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x) * time.Second)
		return nil
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
