package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule with additive uniform
// jitter. Backoff delays double (by Multiplier) per attempt and are capped at
// MaxDelay; Jitter is drawn fresh for every wait, including the politeness
// pause after successful requests.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterMax    time.Duration
	MaxAttempts  int

	// Rand returns a value in [0,1). Injectable for deterministic tests;
	// nil falls back to math/rand.
	Rand func() float64
}

// DefaultPolicy mirrors the scheduler defaults: six attempts, delays doubling
// from two seconds up to a one-minute cap, with up to 500ms of jitter.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterMax:    500 * time.Millisecond,
		MaxAttempts:  6,
	}
}

// Backoff returns the deterministic delay before retry number attempt
// (1-based). The schedule is monotonically non-decreasing and never exceeds
// MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2.0
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Jitter returns a uniform random delay in [0, JitterMax).
func (p Policy) Jitter() time.Duration {
	if p.JitterMax <= 0 {
		return 0
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(p.JitterMax))
}

// Next returns the jittered delay before retry number attempt, clamped to
// MaxDelay.
func (p Policy) Next(attempt int) time.Duration {
	d := p.Backoff(attempt) + p.Jitter()
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether the retry budget is spent after the given number
// of attempts.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
