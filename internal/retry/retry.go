// Package retry holds the pure computations behind retry decisions:
// backoff delays and retry eligibility. Nothing here touches the backend.
package retry

import (
	"math/rand/v2"
	"time"
)

// Strategy selects how the base delay grows with the attempt number.
type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
	Fixed       Strategy = "fixed"
)

// DefaultInitialDelay is used when a config leaves InitialDelay unset.
const DefaultInitialDelay = time.Second

// Config is the per-definition retry policy.
type Config struct {
	// Backoff defaults to Exponential when empty.
	Backoff Strategy
	// InitialDelay defaults to DefaultInitialDelay when zero.
	InitialDelay time.Duration
	// MaxDelay caps the pre-jitter delay; zero means uncapped.
	MaxDelay time.Duration
	// RetryOn, when set, overrides the default retry decision for
	// errors that have not yet exhausted MaxAttempts.
	RetryOn func(error) bool
}

// Delay computes the backoff before attempt+1 may start. attempt is the
// 1-based count of executions already started. The result carries 0-30%
// uniform jitter to spread out retry herds, so the post-jitter value
// stays below cap*1.3.
func Delay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := cfg.InitialDelay
	if base <= 0 {
		base = DefaultInitialDelay
	}

	var d time.Duration
	switch cfg.Backoff {
	case Fixed:
		d = base
	case Linear:
		d = base * time.Duration(attempt)
	default: // Exponential
		shift := attempt - 1
		if shift > 32 { // far beyond any sane cap; avoids overflow
			shift = 32
		}
		d = base << shift
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}

	jitter := 1.0 + rand.Float64()*0.3
	return time.Duration(float64(d) * jitter)
}

// ShouldRetry reports whether a failed execution is eligible for another
// attempt. attempt counts executions already started; once it reaches
// maxAttempts the task is done retrying regardless of RetryOn.
func ShouldRetry(err error, attempt, maxAttempts int, cfg Config) bool {
	if attempt >= maxAttempts {
		return false
	}
	if cfg.RetryOn != nil {
		return cfg.RetryOn(err)
	}
	return true
}
