// Package scheduler provides request admission and download dispatching
// with global and per-user concurrency limits.
package scheduler

import "time"

// Config defines the scheduler limits.
type Config struct {
	// GlobalMax is the maximum number of concurrent downloads overall.
	GlobalMax int
	// PerUserMax is the maximum number of concurrent downloads per user.
	PerUserMax int
	// QueueCapacity bounds the waiting area for admitted requests.
	QueueCapacity int
	// MaxQueueWait evicts requests that have waited longer for a slot.
	MaxQueueWait time.Duration
	// MaxRetryAttempts bounds retries of transient fetch failures.
	MaxRetryAttempts int
	// BackoffBase is the delay before the first retry, doubled each
	// subsequent attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RateWindow and RateMax bound submissions per user per interval.
	RateWindow time.Duration
	RateMax    int
	// UnlimitedUsers are exempt from the rate window.
	UnlimitedUsers []string
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax:        4,
		PerUserMax:       1,
		QueueCapacity:    32,
		MaxQueueWait:     2 * time.Minute,
		MaxRetryAttempts: 3,
		BackoffBase:      500 * time.Millisecond,
		BackoffMax:       8 * time.Second,
		RateWindow:       time.Minute,
		RateMax:          3,
	}
}
