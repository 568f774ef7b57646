package status

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is the reconnect backoff policy.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxRetries is the number of automatic retries scheduled after
	// consecutive failures. The next failure exhausts the policy.
	MaxRetries int
	// RandomizationFactor adds jitter; zero gives exact delays.
	RandomizationFactor float64
}

// DefaultPolicy retries after 1s, 2s, 4s, 8s and 16s, then gives up.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxRetries:      5,
	}
}

// Delay returns the wait before the retry that follows the given number
// of consecutive failures (1-based). ok is false once the budget is spent.
func (p Policy) Delay(failures int) (time.Duration, bool) {
	if failures < 1 || failures > p.MaxRetries {
		return 0, false
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	b.Reset()
	var d time.Duration
	for range failures {
		d = b.NextBackOff()
	}
	return d, true
}
