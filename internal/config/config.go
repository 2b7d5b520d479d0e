// Package config loads komuzik configuration from YAML with env overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SchedulerConfig bounds admission and execution of download requests.
type SchedulerConfig struct {
	// GlobalMax is the maximum number of concurrent downloads overall.
	GlobalMax int `yaml:"global_max"`
	// PerUserMax is the maximum number of concurrent downloads per user.
	PerUserMax int `yaml:"per_user_max"`
	// QueueCapacity bounds the number of admitted-but-waiting requests.
	QueueCapacity int `yaml:"queue_capacity"`
	// MaxQueueWaitSeconds evicts requests that have waited longer.
	MaxQueueWaitSeconds int `yaml:"max_queue_wait_seconds"`
	// MaxRetryAttempts bounds retries of transient fetch failures.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	// BackoffBaseMS is the base delay before the first retry.
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	// BackoffMaxMS caps the exponential backoff delay.
	BackoffMaxMS int `yaml:"backoff_max_ms"`
}

// RateConfig bounds how often a user may submit requests.
type RateConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxRequests   int `yaml:"max_requests"`
	// UnlimitedUsers are exempt from the rate window.
	UnlimitedUsers []string `yaml:"unlimited_users"`
}

// YTDLPConfig configures the yt-dlp backends.
type YTDLPConfig struct {
	Binary       string `yaml:"binary"`
	AudioFormat  string `yaml:"audio_format"`
	AudioBitrate string `yaml:"audio_bitrate"`
}

// Config is the root configuration, immutable for the process lifetime.
type Config struct {
	Listen      string          `yaml:"listen"`
	DBPath      string          `yaml:"db_path"`
	DownloadDir string          `yaml:"download_dir"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Rate        RateConfig      `yaml:"rate"`
	YTDLP       YTDLPConfig     `yaml:"ytdlp"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Listen:      "127.0.0.1:7644",
		DBPath:      filepath.Join(homeDir, ".komuzik", "komuzik.db"),
		DownloadDir: filepath.Join(homeDir, ".komuzik", "downloads"),
		Scheduler: SchedulerConfig{
			GlobalMax:           4,
			PerUserMax:          1,
			QueueCapacity:       32,
			MaxQueueWaitSeconds: 120,
			MaxRetryAttempts:    3,
			BackoffBaseMS:       500,
			BackoffMaxMS:        8000,
		},
		Rate: RateConfig{
			WindowSeconds: 60,
			MaxRequests:   3,
		},
		YTDLP: YTDLPConfig{
			Binary:       "yt-dlp",
			AudioFormat:  "mp3",
			AudioBitrate: "192",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// when the file does not exist, and applies environment overrides.
func Load(path string) (*Config, error) {
	// .env is optional; environment wins over file values below.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("KOMUZIK_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("KOMUZIK_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KOMUZIK_YTDLP"); v != "" {
		cfg.YTDLP.Binary = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all limits are usable.
func (c *Config) Validate() error {
	if c.Scheduler.GlobalMax <= 0 {
		return fmt.Errorf("scheduler.global_max must be positive, got %d", c.Scheduler.GlobalMax)
	}
	if c.Scheduler.PerUserMax <= 0 {
		return fmt.Errorf("scheduler.per_user_max must be positive, got %d", c.Scheduler.PerUserMax)
	}
	if c.Scheduler.PerUserMax > c.Scheduler.GlobalMax {
		return fmt.Errorf("scheduler.per_user_max %d exceeds global_max %d", c.Scheduler.PerUserMax, c.Scheduler.GlobalMax)
	}
	if c.Scheduler.QueueCapacity <= 0 {
		return fmt.Errorf("scheduler.queue_capacity must be positive, got %d", c.Scheduler.QueueCapacity)
	}
	if c.Scheduler.MaxQueueWaitSeconds <= 0 {
		return fmt.Errorf("scheduler.max_queue_wait_seconds must be positive, got %d", c.Scheduler.MaxQueueWaitSeconds)
	}
	if c.Scheduler.MaxRetryAttempts < 0 {
		return fmt.Errorf("scheduler.max_retry_attempts must not be negative, got %d", c.Scheduler.MaxRetryAttempts)
	}
	if c.Scheduler.BackoffBaseMS <= 0 {
		return fmt.Errorf("scheduler.backoff_base_ms must be positive, got %d", c.Scheduler.BackoffBaseMS)
	}
	if c.Scheduler.BackoffMaxMS < c.Scheduler.BackoffBaseMS {
		return fmt.Errorf("scheduler.backoff_max_ms %d is below backoff_base_ms %d", c.Scheduler.BackoffMaxMS, c.Scheduler.BackoffBaseMS)
	}
	if c.Rate.WindowSeconds <= 0 {
		return fmt.Errorf("rate.window_seconds must be positive, got %d", c.Rate.WindowSeconds)
	}
	if c.Rate.MaxRequests <= 0 {
		return fmt.Errorf("rate.max_requests must be positive, got %d", c.Rate.MaxRequests)
	}
	return nil
}
