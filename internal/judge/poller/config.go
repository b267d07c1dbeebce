package poller

import (
	"context"
	"time"
)

const (
	defaultInitialDelay    = 5 * time.Second
	defaultInterval        = 5 * time.Second
	defaultMaxAttempts     = 36
	defaultFinalizeTimeout = 5 * time.Second
)

// Config bounds the polling protocol for one submission.
type Config struct {
	InitialDelay    time.Duration `yaml:"initialDelay"`
	Interval        time.Duration `yaml:"interval"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	Backoff         BackoffConfig `yaml:"backoff"`
	FinalizeTimeout time.Duration `yaml:"finalizeTimeout"`
}

// BackoffConfig doubles the interval after every attempt up to Max.
type BackoffConfig struct {
	Enabled bool          `yaml:"enabled"`
	Max     time.Duration `yaml:"max"`
}

func DefaultConfig() Config {
	return Config{
		InitialDelay:    defaultInitialDelay,
		Interval:        defaultInterval,
		MaxAttempts:     defaultMaxAttempts,
		FinalizeTimeout: defaultFinalizeTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = defaultFinalizeTimeout
	}
	if c.Backoff.Enabled && c.Backoff.Max < c.Interval {
		c.Backoff.Max = c.Interval
	}
	return c
}

// Delay returns the wait before the given 1-based attempt.
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt <= 1 {
		return c.InitialDelay
	}
	if !c.Backoff.Enabled {
		return c.Interval
	}
	return ComputeBackoff(attempt-2, c.Interval, c.Backoff.Max)
}

// WorstCase is the longest total wait before the last attempt. Any submission
// reaches a terminal state within this bound plus the fetch latencies.
func (c Config) WorstCase() time.Duration {
	c = c.withDefaults()
	var total time.Duration
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		total += c.Delay(attempt)
	}
	return total
}

// ComputeBackoff doubles base retryCount times, capped at max.
func ComputeBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay > max/2 {
			delay = max
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
