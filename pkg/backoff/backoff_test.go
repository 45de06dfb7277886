package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jordigilh/wrenchbot/pkg/backoff"
)

func TestNextDelayStaysWithinConfiguredBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 2*60*time.Second)
	}
}

func TestNextDelayGrowsWithAttemptOnAverage(t *testing.T) {
	const samples = 50
	var earlySum, lateSum time.Duration
	for i := 0; i < samples; i++ {
		earlySum += backoff.NextDelay(1)
		lateSum += backoff.NextDelay(5)
	}
	assert.Greater(t, lateSum, earlySum)
}
