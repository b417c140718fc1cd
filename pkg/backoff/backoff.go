// Package backoff computes retry delays for failed workflow steps.
//
// Two sources of delay exist, in preference order: a server-requested delay
// (a handler's retry_after or an HTTP Retry-After header) and capped
// exponential backoff with jitter. No delay is stored as a column; the
// readiness query recomputes eligibility from last_attempted_at and
// backoff_request_seconds.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

const (
	// BaseDelay is the exponential backoff base.
	BaseDelay = 1 * time.Second

	// MaxDelay caps exponential backoff.
	MaxDelay = 30 * time.Second

	// jitterFraction is the +/- jitter applied to exponential delays.
	jitterFraction = 0.1
)

// Calculator computes retry delays. The zero value is not usable; construct
// with NewCalculator.
type Calculator struct {
	rand *rand.Rand
}

// NewCalculator returns a calculator seeded from the current time.
func NewCalculator() *Calculator {
	return &Calculator{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewCalculatorWithSeed returns a deterministic calculator for tests.
func NewCalculatorWithSeed(seed int64) *Calculator {
	return &Calculator{rand: rand.New(rand.NewSource(seed))}
}

// NextDelay returns the delay before the attempt following the given one.
// serverRequested, when non-nil, wins outright; a zero server request means
// immediately eligible.
func (c *Calculator) NextDelay(attempts int, serverRequested *time.Duration) time.Duration {
	if serverRequested != nil {
		if *serverRequested < 0 {
			return 0
		}
		return *serverRequested
	}
	return c.exponential(attempts)
}

// exponential computes min(base * 2^attempts, MaxDelay) with +/-10% jitter.
func (c *Calculator) exponential(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(BaseDelay) * math.Pow(2, float64(attempts))
	if delay > float64(MaxDelay) {
		delay = float64(MaxDelay)
	}
	jitter := 1 + jitterFraction*(2*c.rand.Float64()-1)
	return time.Duration(delay * jitter)
}

// Exponential is the jitter-free exponential delay. The readiness query uses
// this form so eligibility is reproducible from persisted fields alone.
func Exponential(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(BaseDelay) * math.Pow(2, float64(attempts))
	if delay > float64(MaxDelay) {
		return MaxDelay
	}
	return time.Duration(delay)
}

// NextEligibleAt computes the instant a failed step becomes retry-eligible.
// Mirrors the readiness predicate: a server-requested delay anchors at
// lastAttemptedAt, exponential backoff anchors at lastFailedAt.
func NextEligibleAt(attempts int, backoffRequestSeconds *int, lastAttemptedAt, lastFailedAt *time.Time) *time.Time {
	if backoffRequestSeconds != nil && lastAttemptedAt != nil {
		at := lastAttemptedAt.Add(time.Duration(*backoffRequestSeconds) * time.Second)
		return &at
	}
	if lastFailedAt != nil {
		at := lastFailedAt.Add(Exponential(attempts))
		return &at
	}
	return nil
}
