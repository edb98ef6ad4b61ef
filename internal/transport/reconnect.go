package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	backoffMultiplier   = 2.0
	backoffRandomFactor = 0.2
)

// reconnector hands out reconnect delays: capped exponential backoff with
// jitter, unlimited when auto-reconnect is on and limited to maxAttempts
// consecutive failures otherwise.
type reconnector struct {
	b           *backoff.ExponentialBackOff
	unlimited   bool
	maxAttempts int
	attempts    int
}

func newReconnector(initial, maxDelay time.Duration, unlimited bool, maxAttempts int) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = backoffRandomFactor
	b.MaxElapsedTime = 0
	b.Reset()

	return &reconnector{b: b, unlimited: unlimited, maxAttempts: maxAttempts}
}

// next returns the delay before the next attempt, or false once the budget
// is spent.
func (r *reconnector) next() (time.Duration, int, bool) {
	if !r.unlimited && r.attempts >= r.maxAttempts {
		return 0, r.attempts, false
	}
	r.attempts++
	d := r.b.NextBackOff()
	if d == backoff.Stop {
		d = r.b.MaxInterval
	}
	return d, r.attempts, true
}

// reset clears the failure count after a successful connect.
func (r *reconnector) reset() {
	r.attempts = 0
	r.b.Reset()
}
