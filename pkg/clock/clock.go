// Package clock provides the orchestrator's time source and identifier
// generation, kept behind a small interface so tests can supply a fixed
// clock instead of wall time.
package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so components can be tested with a fixed
// or stepped instant instead of time.Now.
type Clock interface {
	Now() time.Time
}

// RealClock wraps time.Now.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant; useful in tests.
type FixedClock struct {
	Instant time.Time
}

// Now returns the fixed instant.
func (f FixedClock) Now() time.Time { return f.Instant }

// NewTaskID generates a new random task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// NewSessionID generates a new random agent-execution session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Fingerprint computes the deduplication key for a task: a stable hash of
// the fields that identify "the same piece of work" regardless of which
// webhook event triggered it. Two events that describe the same
// (provider, repo, kind, ref) collapse onto one fingerprint.
func Fingerprint(provider, repoFullName, kind, ref string) string {
	h := sha256.New()
	parts := []string{provider, repoFullName, kind, ref}
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}
