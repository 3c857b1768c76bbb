package engine

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Decision is the outcome of a retry evaluation.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait first. The zero Jitter makes delays exact: BackoffBase * 2^(attempt-1),
// capped at BackoffMax when it is set.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      float64
}

// Decide evaluates attempt (1-based) that failed with kind.
func (p RetryPolicy) Decide(attempt int, kind ErrorKind) Decision {
	if !kind.Retryable() || attempt >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt)}
}

// Delay returns the wait that precedes attempt+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BackoffBase <= 0 || attempt < 1 {
		return 0
	}
	maxInterval := p.BackoffMax
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BackoffBase,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		// once capped the sequence is flat; skip the remaining steps
		if d >= maxInterval && p.Jitter == 0 {
			break
		}
	}
	if d > maxInterval {
		d = maxInterval
	}
	return d
}
