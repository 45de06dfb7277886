package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jordigilh/wrenchbot/pkg/clock"
)

func TestFixedClock(t *testing.T) {
	instant := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := clock.FixedClock{Instant: instant}
	assert.Equal(t, instant, c.Now())
}

func TestRealClockIsUTC(t *testing.T) {
	c := clock.RealClock{}
	assert.Equal(t, time.UTC, c.Now().Location())
}

func TestNewTaskIDIsUnique(t *testing.T) {
	a := clock.NewTaskID()
	b := clock.NewTaskID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestFingerprintIsStable(t *testing.T) {
	a := clock.Fingerprint("code-host", "acme/widgets", "fix", "issue-42")
	b := clock.Fingerprint("code-host", "acme/widgets", "fix", "issue-42")
	assert.Equal(t, a, b)
}

func TestFingerprintDistinguishesFields(t *testing.T) {
	base := clock.Fingerprint("code-host", "acme/widgets", "fix", "issue-42")
	other := clock.Fingerprint("code-host", "acme/widgets", "fix", "issue-43")
	assert.NotEqual(t, base, other)
}

func TestFingerprintAvoidsFieldConcatenationCollision(t *testing.T) {
	a := clock.Fingerprint("code-host", "acme", "fix-x", "1")
	b := clock.Fingerprint("code-host", "acme", "fix", "x1")
	assert.NotEqual(t, a, b)
}
