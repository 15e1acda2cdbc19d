package retry

import (
	"math"
	"time"
)

// Policy defines the configuration for retry attempts.
type Policy struct {
	MaxAttempts       int           // Total attempts including the first (1 = no retries)
	InitialDelay      time.Duration // Delay before the first retry
	BackoffMultiplier float64       // Multiplier for exponential backoff
	MaxDelay          time.Duration // Maximum delay between retries
}

// DefaultPolicy returns the dispatcher's default retry policy:
// 3 total attempts, starting at 1s with 2x backoff, capped at 30s.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
	}
}

// Backoff calculates the delay before the given attempt.
// attempt is 1-indexed: the delay before attempt 2 is InitialDelay,
// before attempt 3 it is InitialDelay*multiplier, and so on.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-2))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// ShouldRetry determines if another attempt may be made after the given
// 1-indexed attempt number.
func (p *Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}
