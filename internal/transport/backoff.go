package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff returns the reconnect policy: base × 2^attempt, capped at max,
// stopping after maxAttempts tries. No jitter, so delays are predictable.
func newBackOff(base, max time.Duration, maxAttempts int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = max
	exp.MaxElapsedTime = 0
	exp.Reset()
	if maxAttempts <= 0 {
		return exp
	}
	return backoff.WithMaxRetries(exp, uint64(maxAttempts))
}
