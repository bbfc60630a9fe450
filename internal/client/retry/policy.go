package retry

import (
	"math"
	"time"
)

// Policy is a deterministic exponential backoff without jitter.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries caps failed attempts per chunk; nil means unbounded.
	MaxRetries *int
}

// DefaultPolicy is 1s doubling up to 5m, at most 10 attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
		MaxRetries:   Limit(10),
	}
}

// Limit returns a retry bound for Policy.MaxRetries.
func Limit(n int) *int { return &n }

// Delay returns min(initial * multiplier^(n-1), max) for the n-th failure
// (n is 1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialDelay) * math.Pow(mult, float64(n-1))

	limit := float64(math.MaxInt64)
	if p.MaxDelay > 0 {
		limit = float64(p.MaxDelay)
	}
	if d >= limit || math.IsInf(d, 0) || math.IsNaN(d) {
		if p.MaxDelay > 0 {
			return p.MaxDelay
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether a chunk with retryCount failures has hit the cap.
func (p Policy) Exhausted(retryCount int) bool {
	return p.MaxRetries != nil && retryCount >= *p.MaxRetries
}
