package workflow

import (
	"math"
	"math/rand"
	"time"
)

// Retry policy defaults.
const (
	DefaultInitialDelay = 1000 * time.Millisecond
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 60000 * time.Millisecond
	DefaultMaxAttempts  = 3
)

// RetryPolicy computes backoff delays for failed task attempts.
// Delays grow exponentially with up to 25% jitter, capped at MaxDelay.
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int

	// rand overrides the jitter source in tests.
	rand func() float64
}

// DefaultRetryPolicy returns the policy with standard backoff parameters.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: DefaultInitialDelay,
		Multiplier:   DefaultMultiplier,
		MaxDelay:     DefaultMaxDelay,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// NextDelay returns the backoff before retry attempt n (zero-based: the
// first retry passes 0).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	jitter := rand.Float64()
	if p.rand != nil {
		jitter = p.rand()
	}
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	d := time.Duration(base * (1 + 0.25*jitter))
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether a task that has already failed retryCount times
// has no attempts left. A positive per-task limit overrides MaxAttempts.
func (p RetryPolicy) Exhausted(retryCount, taskRetryLimit int) bool {
	limit := p.MaxAttempts
	if taskRetryLimit > 0 {
		limit = taskRetryLimit
	}
	return retryCount >= limit
}
