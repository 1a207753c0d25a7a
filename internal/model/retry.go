package model

import "time"

// RetryConfig defines retry behavior for an operation type
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" koanf:"max_attempts" validate:"gte=0"`
	InitialDelay      time.Duration `json:"initial_delay" koanf:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" koanf:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" koanf:"backoff_multiplier" validate:"gte=0"`
	Jitter            bool          `json:"jitter" koanf:"jitter"`
}

// IsZero reports whether the config was left unset.
func (c RetryConfig) IsZero() bool {
	return c.MaxAttempts == 0 && c.InitialDelay == 0 && c.MaxDelay == 0 && c.BackoffMultiplier == 0
}
