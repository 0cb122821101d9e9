package updater

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxBackoffSteps = 32

// backoffDelay is the wait after the n-th consecutive transient failure:
// base, 2*base, 4*base ... capped at limit.
func backoffDelay(base, limit time.Duration, failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	if failures > maxBackoffSteps {
		failures = maxBackoffSteps
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = limit
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < failures; i++ {
		d = b.NextBackOff()
	}
	if d > limit {
		d = limit
	}
	return d
}
