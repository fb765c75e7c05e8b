package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Answer    AnswerConfig    `json:"answer"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retry     RetryConfig     `json:"retry,omitempty"`
	Executor  ExecutorConfig  `json:"executor,omitempty"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// AnswerConfig points at an OpenAI-compatible chat-completions endpoint.
type AnswerConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	// Timeout is the hard per-call deadline (Go duration string, default "45s").
	Timeout string `json:"timeout,omitempty"`
}

// SchedulerConfig controls the due-task polling loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick: "30s"
//   - workers: 4
//   - queue_size: 64
type SchedulerConfig struct {
	Tick      string `json:"tick,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
}

// RetryConfig controls remote-call retries.
//
// Defaults: max_attempts 3, base "500ms", max_delay "15s", jitter 0.2.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Base        string  `json:"base,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

type ExecutorConfig struct {
	// FailureNoticeAfter notifies a task's owner every time the task's
	// consecutive-failure count reaches a multiple of this value.
	// Negative disables the notice. Default 5.
	FailureNoticeAfter int `json:"failure_notice_after,omitempty"`
}

// NotifierConfig controls the outbound delivery pipeline.
type NotifierConfig struct {
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig locates the SQLite database file.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9090"
}

// Validate checks required fields and duration syntax so a broken file is
// rejected before it is committed or published to subscribers.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must list at least one user")
	}
	if strings.TrimSpace(c.Answer.APIKey) == "" {
		return errors.New("answer.api_key is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New("retry.jitter must be within [0, 1]")
	}

	durs := []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"answer.timeout", c.Answer.Timeout},
		{"scheduler.tick", c.Scheduler.Tick},
		{"retry.base", c.Retry.Base},
		{"retry.max_delay", c.Retry.MaxDelay},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	}
	for _, d := range durs {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// ---- Parsed accessors with defaults ----

func (t TelegramConfig) PollTimeoutOrDefault() time.Duration {
	return durationOr(t.PollTimeout, 10*time.Second)
}

func (a AnswerConfig) TimeoutOrDefault() time.Duration {
	return durationOr(a.Timeout, 45*time.Second)
}

func (a AnswerConfig) ModelOrDefault() string {
	if m := strings.TrimSpace(a.Model); m != "" {
		return m
	}
	return "grok-beta"
}

func (s SchedulerConfig) TickOrDefault() time.Duration {
	return durationOr(s.Tick, 30*time.Second)
}

func (r RetryConfig) MaxAttemptsOrDefault() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 3
}

func (r RetryConfig) BaseOrDefault() time.Duration {
	return durationOr(r.Base, 500*time.Millisecond)
}

func (r RetryConfig) MaxDelayOrDefault() time.Duration {
	return durationOr(r.MaxDelay, 15*time.Second)
}

func (r RetryConfig) JitterOrDefault() float64 {
	if r.Jitter > 0 {
		return r.Jitter
	}
	return 0.2
}

func (e ExecutorConfig) FailureNoticeAfterOrDefault() int {
	if e.FailureNoticeAfter < 0 {
		return 0
	}
	if e.FailureNoticeAfter == 0 {
		return 5
	}
	return e.FailureNoticeAfter
}

func (s StorageConfig) BusyTimeoutOrDefault() time.Duration {
	return durationOr(s.BusyTimeout, 5*time.Second)
}

func (m MetricsConfig) AddrOrDefault() string {
	if strings.TrimSpace(m.Addr) != "" {
		return m.Addr
	}
	return "127.0.0.1:9090"
}

// IsOwner reports whether id is one of the configured bot owners.
func (t TelegramConfig) IsOwner(id int64) bool {
	for _, o := range t.OwnerUserIDs {
		if o == id {
			return true
		}
	}
	return false
}

func durationOr(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ParseDurationField parses an optional Go duration string. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
