package resilience

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Schedule is a capped exponential backoff with up to 10% additive jitter:
// delay(n) = min(Max, Initial * 2^(n-1)) + rand[0, delay/10).
type Schedule struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter disables the random component when false; tests rely on it.
	Jitter bool
}

// Delay returns the wait before attempt n (1-based). n < 1 is treated as 1.
func (s Schedule) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := s.Initial
	for i := 1; i < n && d < s.Max; i++ {
		d *= 2
	}
	if s.Max > 0 && d > s.Max {
		d = s.Max
	}
	if s.Jitter && d >= 10 {
		d += time.Duration(rand.Int64N(int64(d / 10))) //nolint:gosec // jitter, not security
	}
	return d
}

// ExponentialBackOff builds the cenkalti policy equivalent to s for use
// with backoff.Retry.
func (s Schedule) ExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.Initial
	b.MaxInterval = s.Max
	b.Multiplier = 2
	if s.Jitter {
		b.RandomizationFactor = 0.1
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}
