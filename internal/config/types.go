package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	OpenAI   OpenAIConfig   `json:"openai"`
	Schedule ScheduleConfig `json:"schedule"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// OpenAIConfig controls the text-generation collaborator.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type OpenAIConfig struct {
	APIKey    string `json:"api_key"`
	Model     string `json:"model,omitempty"`      // default: gpt-4o-mini
	MaxTokens int    `json:"max_tokens,omitempty"` // default: 300

	// Timeout bounds a single generation call.
	Timeout string `json:"timeout,omitempty"` // default: "30s"
	// RetryMax is the number of retries after the first attempt.
	RetryMax      int    `json:"retry_max,omitempty"`       // default: 2
	RetryBase     string `json:"retry_base,omitempty"`      // default: "2s"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default: "15s"
}

// ScheduleConfig controls the daily trigger.
type ScheduleConfig struct {
	Enabled bool `json:"enabled"`
	// SendTime is the daily wall-clock send time, "HH:MM" (24h).
	SendTime string `json:"send_time"`
	// Timezone is an IANA zone identifier, e.g. "America/New_York".
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig controls per-run processing.
type DispatchConfig struct {
	BatchSize int `json:"batch_size,omitempty"` // verses per delivery, default: 3
	Workers   int `json:"workers,omitempty"`    // default: 2
	// RatePerSec caps outgoing Telegram sends across the whole run.
	RatePerSec int `json:"rate_per_sec,omitempty"` // default: 10
	// DailyRequestLimit caps scheduled + on-demand batches per subscriber per day.
	DailyRequestLimit int `json:"daily_request_limit,omitempty"` // default: 10
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// Validate rejects configs the process cannot start with. Schedule time and
// timezone get their full validation in the dispatcher, which owns them.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.OpenAI.APIKey) == "" {
		return errors.New("openai.api_key is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if c.Schedule.Enabled && strings.TrimSpace(c.Schedule.SendTime) == "" {
		return errors.New("schedule.send_time is required when schedule.enabled")
	}
	for _, f := range []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"openai.timeout", c.OpenAI.Timeout},
		{"openai.retry_base", c.OpenAI.RetryBase},
		{"openai.retry_max_delay", c.OpenAI.RetryMaxDelay},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Dispatch.BatchSize < 0 || c.Dispatch.Workers < 0 || c.Dispatch.RatePerSec < 0 || c.Dispatch.DailyRequestLimit < 0 {
		return fmt.Errorf("dispatch: negative values are not allowed")
	}
	if c.OpenAI.RetryMax < 0 {
		return fmt.Errorf("openai.retry_max must be >= 0")
	}
	return nil
}
