// Package backoff fixes the retry schedule used when a task is requeued
// after a retryable subprocess failure: base 2s, factor 2, capped at 60s,
// full jitter. It wraps cenkalti/backoff/v5 rather than hand-rolling the
// schedule.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	baseInterval = 2 * time.Second
	maxInterval  = 60 * time.Second
	multiplier   = 2.0
)

// NewExponentialBackOff builds the fixed retry schedule. A
// RandomizationFactor of 1.0 spreads each interval uniformly over
// [0, 2*interval), which is this library's equivalent of full jitter.
func NewExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseInterval
	b.MaxInterval = maxInterval
	b.Multiplier = multiplier
	b.RandomizationFactor = 1.0
	return b
}

// NextDelay returns the delay before the given retry attempt (1-indexed),
// without needing a live BackOff instance. Used by callers that only need
// to schedule a single requeue and do not hold a BackOff across calls,
// e.g. to report the next-attempt time in a log line.
func NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := NewExponentialBackOff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
