// Package backoff computes exponential retry delays for retransmissions
// and reconnect loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Config defines retry backoff behavior.
type Config struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       bool          `toml:"jitter"`
}

// Delay returns the wait before attempt N (1-based): InitialDelay x
// Multiplier^(N-1), capped at MaxDelay. Jitter scales the result into
// [0.5, 1.5) of its value, still capped.
func Delay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
	}
	return time.Duration(delay)
}
