package resilience

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig parameterizes Backoff.
type BackoffConfig struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Multiplier is the exponential growth factor.
	Multiplier float64
	// Jitter is the symmetric randomization fraction (0.25 means ±25%).
	Jitter float64
}

// DefaultBackoff is the configuration used when callers pass a zero config.
var DefaultBackoff = BackoffConfig{
	Base:       500 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2.0,
	Jitter:     0.25,
}

// Backoff returns min(base·multiplier^(attempt-1), max) · (1 ± jitter).
// The result is clamped to [0, cfg.Max] for all attempts.
func Backoff(attempt int, cfg BackoffConfig) time.Duration {
	if cfg.Base <= 0 {
		cfg = DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	raw := float64(cfg.Base) * math.Pow(mult, float64(attempt-1))
	if capped := float64(cfg.Max); cfg.Max > 0 && raw > capped {
		raw = capped
	}
	if cfg.Jitter > 0 {
		raw *= 1 + cfg.Jitter*(2*rand.Float64()-1)
	}
	if raw < 0 {
		raw = 0
	}
	if cfg.Max > 0 && raw > float64(cfg.Max) {
		raw = float64(cfg.Max)
	}
	return time.Duration(raw)
}

// AdaptiveTimeout scales a base timeout linearly with complexity and prior
// failures, clamped to [min, max].
func AdaptiveTimeout(base time.Duration, complexityScore float64, previousFailures int, min, max time.Duration) time.Duration {
	scaled := float64(base) * (1 + complexityScore) * (1 + 0.5*float64(previousFailures))
	d := time.Duration(scaled)
	if d < min {
		d = min
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
