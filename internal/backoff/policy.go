// Package backoff provides exponential backoff policies with jitter for
// reconnect logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff after the first failure.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top of the
	// base backoff.
	Jitter float64
}

// Compute calculates the backoff duration for a 1-based attempt number.
// base = Initial * Factor^(attempt-1); result = min(Max, base + base*Jitter*rand).
func (p Policy) Compute(attempt int) time.Duration {
	return p.ComputeWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff using a caller-provided random value
// in [0.0, 1.0). Deterministic for tests.
func (p Policy) ComputeWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// Reconnect is the tool-bridge reconnect policy: 1s, 2s, 4s with no jitter.
func Reconnect() Policy {
	return Policy{
		Initial: time.Second,
		Max:     4 * time.Second,
		Factor:  2,
		Jitter:  0,
	}
}

// Default returns a general-purpose policy: 100ms initial, 30s cap, factor 2,
// 10% jitter.
func Default() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}
