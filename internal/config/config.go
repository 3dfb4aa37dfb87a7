// Package config provides the configuration structure for the narration
// binaries.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/narration-jobs/internal/polling"
	"github.com/book-expert/narration-jobs/internal/upload"
	"github.com/pelletier/go-toml/v2"
)

// Defaults.
const (
	DefaultHeartbeatIntervalSeconds = 30
	DefaultHeartbeatTimeoutSeconds  = 10
	DefaultRequestSubject           = "narration.requested"
	DefaultProgressSubject          = "narration.progress"
	DefaultAudioBucket              = "NARRATION_AUDIO"
	DefaultLogsDir                  = "logs"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// APIConfig holds the backend HTTP settings. TimeoutSeconds caps every
// request, uploads and status polls included; zero leaves requests bounded
// only by their context.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	AssetBaseURL   string `toml:"asset_base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// PollingConfig tunes the synthesis poll loop.
type PollingConfig struct {
	IntervalMS      int `toml:"interval_ms"`
	DeadlineSeconds int `toml:"deadline_seconds"`
}

// UploadConfig tunes the simulated upload progress. The pointer fields accept
// an explicit zero; nil takes the default.
type UploadConfig struct {
	TickMS       int  `toml:"tick_ms"`
	Step         int  `toml:"step"`
	Floor        *int `toml:"floor"`
	Checkpoint   *int `toml:"checkpoint"`
	Ceiling      int  `toml:"ceiling"`
	Saving       int  `toml:"saving"`
	ResetDelayMS *int `toml:"reset_delay_ms"`
}

// HeartbeatConfig tunes the keep-alive ping.
type HeartbeatConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	TimeoutSeconds  int `toml:"timeout_seconds"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	RequestSubject         string `toml:"request_subject"`
	ProgressSubject        string `toml:"progress_subject"`
	QueueGroup             string `toml:"queue_group"`
	MaxConcurrentJobs      int    `toml:"max_concurrent_jobs"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	API       APIConfig       `toml:"api"`
	Polling   PollingConfig   `toml:"polling"`
	Upload    UploadConfig    `toml:"upload"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	NATS      NATSConfig      `toml:"nats"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration through the shared configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile decodes a local TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every unset value with its reference default.
func (c *Config) ApplyDefaults() {
	if c.Polling.IntervalMS == 0 {
		c.Polling.IntervalMS = int(polling.DefaultInterval / time.Millisecond)
	}

	c.applyUploadDefaults()

	if c.Heartbeat.IntervalSeconds == 0 {
		c.Heartbeat.IntervalSeconds = DefaultHeartbeatIntervalSeconds
	}

	if c.Heartbeat.TimeoutSeconds == 0 {
		c.Heartbeat.TimeoutSeconds = DefaultHeartbeatTimeoutSeconds
	}

	if c.NATS.RequestSubject == "" {
		c.NATS.RequestSubject = DefaultRequestSubject
	}

	if c.NATS.ProgressSubject == "" {
		c.NATS.ProgressSubject = DefaultProgressSubject
	}

	if c.NATS.AudioObjectStoreBucket == "" {
		c.NATS.AudioObjectStoreBucket = DefaultAudioBucket
	}

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = DefaultLogsDir
	}
}

func (c *Config) applyUploadDefaults() {
	defaults := upload.DefaultOptions()
	u := &c.Upload

	if u.TickMS == 0 {
		u.TickMS = int(defaults.Tick / time.Millisecond)
	}

	if u.Step == 0 {
		u.Step = defaults.Step
	}

	if u.Floor == nil {
		u.Floor = intPtr(defaults.Floor)
	}

	if u.Checkpoint == nil {
		u.Checkpoint = intPtr(defaults.Checkpoint)
	}

	if u.Ceiling == 0 {
		u.Ceiling = defaults.Ceiling
	}

	if u.Saving == 0 {
		u.Saving = defaults.Saving
	}

	if u.ResetDelayMS == nil {
		u.ResetDelayMS = intPtr(int(defaults.ResetDelay / time.Millisecond))
	}
}

func intPtr(v int) *int {
	return &v
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}

	return *v
}

// Validate rejects settings the drivers cannot honor.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("%w: api.base_url is required", ErrInvalidConfig)
	}

	parsed, err := url.Parse(c.API.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: api.base_url %q is not an absolute url", ErrInvalidConfig, c.API.BaseURL)
	}

	switch {
	case c.API.TimeoutSeconds < 0:
		return fmt.Errorf("%w: api.timeout_seconds must not be negative", ErrInvalidConfig)
	case c.Polling.IntervalMS < 0 || c.Polling.DeadlineSeconds < 0:
		return fmt.Errorf("%w: polling values must not be negative", ErrInvalidConfig)
	case c.Heartbeat.IntervalSeconds < 0 || c.Heartbeat.TimeoutSeconds < 0:
		return fmt.Errorf("%w: heartbeat values must not be negative", ErrInvalidConfig)
	case c.NATS.MaxConcurrentJobs < 0:
		return fmt.Errorf("%w: nats.max_concurrent_jobs must not be negative", ErrInvalidConfig)
	}

	err = c.UploadOptions().Validate()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}

// APITimeout returns the per-request HTTP timeout, zero for none.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the ping interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the per-ping timeout.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.TimeoutSeconds) * time.Second
}

// PollingOptions converts the [polling] section.
func (c *Config) PollingOptions() polling.Options {
	return polling.Options{
		Interval: time.Duration(c.Polling.IntervalMS) * time.Millisecond,
		Deadline: time.Duration(c.Polling.DeadlineSeconds) * time.Second,
	}
}

// UploadOptions converts the [upload] section.
func (c *Config) UploadOptions() upload.Options {
	u := c.Upload
	defaults := upload.DefaultOptions()
	resetDelayMS := intOr(u.ResetDelayMS, int(defaults.ResetDelay/time.Millisecond))

	return upload.Options{
		Tick:       time.Duration(u.TickMS) * time.Millisecond,
		Step:       u.Step,
		Floor:      intOr(u.Floor, defaults.Floor),
		Checkpoint: intOr(u.Checkpoint, defaults.Checkpoint),
		Ceiling:    u.Ceiling,
		Saving:     u.Saving,
		ResetDelay: time.Duration(resetDelayMS) * time.Millisecond,
	}
}
