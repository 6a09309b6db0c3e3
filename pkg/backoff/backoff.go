// Package backoff provides exponential backoff calculation.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Jitter  float64       // fraction of the delay randomly shaved off, 0..1 (default: none)
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	jitter := 0.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		jitter = min(max(cfg.Jitter, 0), 1)
	}

	backoff := float64(initial)
	if attempt > 1 {
		backoff *= math.Pow(2.0, float64(attempt-1))
	}
	backoff = min(backoff, float64(maxBackoff))
	if jitter > 0 {
		backoff -= backoff * jitter * rand.Float64()
	}
	return time.Duration(backoff)
}

// Delay returns the wait before the given retry attempt, honouring a
// server-provided hint when it is longer than the computed backoff.
func Delay(attempt int, cfg *Config, hint time.Duration) time.Duration {
	return max(Exponential(attempt, cfg), hint)
}
