// Package config holds every recognized runtime option, assembled via
// functional options: an Option interface wrapping a closure, a resolve
// function that starts from defaults and applies overrides, nil options
// skipped gracefully, errors surfaced instead of panics.
package config

import (
	"fmt"
	"time"
)

// Config is the fully resolved set of runtime options.
type Config struct {
	QuiesceDeadline time.Duration
	PrepareDeadline time.Duration

	DwellMinSteps int
	CooldownSteps int

	QueueCapacityPerReceiver int
	MessageTTL               time.Duration
	MaxAttempts               int
	PayloadMaxBytes            int

	SafetyFactor     float64
	ReservationTTL   time.Duration

	BudgetsDailyTokens  int64
	BudgetsEpisodeTokens int64
	BudgetsAgentTokens   map[string]int64

	FlatFanoutLimit int

	EpsilonStart     float64
	EpsilonEnd       float64
	EpsilonScheduleN int

	// FeatureWindowTicks is W, the rolling-share window size (default 5).
	FeatureWindowTicks int
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		QuiesceDeadline:          50 * time.Millisecond,
		PrepareDeadline:          20 * time.Millisecond,
		DwellMinSteps:            2,
		CooldownSteps:            2,
		QueueCapacityPerReceiver: 10000,
		MessageTTL:               60 * time.Second,
		MaxAttempts:              5,
		PayloadMaxBytes:          524288,
		SafetyFactor:             1.2,
		ReservationTTL:           10 * time.Second,
		BudgetsAgentTokens:       map[string]int64{},
		FlatFanoutLimit:          2,
		EpsilonStart:             0.20,
		EpsilonEnd:               0.05,
		EpsilonScheduleN:         5000,
		FeatureWindowTicks:       5,
	}
}

// Option mutates a Config during Resolve.
type Option interface {
	apply(*Config) error
}

type optionFunc func(*Config) error

func (f optionFunc) apply(c *Config) error { return f(c) }

// Resolve builds a Config starting from Default, applying opts in order.
// A nil Option is skipped. The first error returned by an Option aborts
// resolution.
func Resolve(opts ...Option) (*Config, error) {
	c := Default()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(c); err != nil {
			return nil, err
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.QueueCapacityPerReceiver <= 0 {
		return fmt.Errorf("config: queue_capacity_per_receiver must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: max_attempts must be positive")
	}
	if c.SafetyFactor < 1.0 {
		return fmt.Errorf("config: safety_factor must be >= 1.0")
	}
	if c.FlatFanoutLimit <= 0 {
		return fmt.Errorf("config: flat_fanout_limit must be positive")
	}
	if c.FeatureWindowTicks <= 0 {
		return fmt.Errorf("config: feature window ticks must be positive")
	}
	return nil
}

func WithQuiesceDeadline(d time.Duration) Option {
	return optionFunc(func(c *Config) error { c.QuiesceDeadline = d; return nil })
}

func WithPrepareDeadline(d time.Duration) Option {
	return optionFunc(func(c *Config) error { c.PrepareDeadline = d; return nil })
}

func WithDwellMinSteps(n int) Option {
	return optionFunc(func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("config: dwell_min_steps must be >= 0")
		}
		c.DwellMinSteps = n
		return nil
	})
}

func WithCooldownSteps(n int) Option {
	return optionFunc(func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("config: cooldown_steps must be >= 0")
		}
		c.CooldownSteps = n
		return nil
	})
}

func WithQueueCapacityPerReceiver(n int) Option {
	return optionFunc(func(c *Config) error { c.QueueCapacityPerReceiver = n; return nil })
}

func WithMessageTTL(d time.Duration) Option {
	return optionFunc(func(c *Config) error { c.MessageTTL = d; return nil })
}

func WithMaxAttempts(n int) Option {
	return optionFunc(func(c *Config) error { c.MaxAttempts = n; return nil })
}

func WithPayloadMaxBytes(n int) Option {
	return optionFunc(func(c *Config) error { c.PayloadMaxBytes = n; return nil })
}

func WithSafetyFactor(f float64) Option {
	return optionFunc(func(c *Config) error { c.SafetyFactor = f; return nil })
}

func WithReservationTTL(d time.Duration) Option {
	return optionFunc(func(c *Config) error { c.ReservationTTL = d; return nil })
}

func WithBudgetsDailyTokens(n int64) Option {
	return optionFunc(func(c *Config) error { c.BudgetsDailyTokens = n; return nil })
}

func WithBudgetsEpisodeTokens(n int64) Option {
	return optionFunc(func(c *Config) error { c.BudgetsEpisodeTokens = n; return nil })
}

func WithBudgetsAgentTokens(role string, n int64) Option {
	return optionFunc(func(c *Config) error {
		if c.BudgetsAgentTokens == nil {
			c.BudgetsAgentTokens = map[string]int64{}
		}
		c.BudgetsAgentTokens[role] = n
		return nil
	})
}

func WithFlatFanoutLimit(n int) Option {
	return optionFunc(func(c *Config) error { c.FlatFanoutLimit = n; return nil })
}

func WithEpsilonSchedule(start, end float64, n int) Option {
	return optionFunc(func(c *Config) error {
		c.EpsilonStart, c.EpsilonEnd, c.EpsilonScheduleN = start, end, n
		return nil
	})
}

func WithFeatureWindowTicks(n int) Option {
	return optionFunc(func(c *Config) error { c.FeatureWindowTicks = n; return nil })
}
