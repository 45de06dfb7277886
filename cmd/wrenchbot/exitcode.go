package main

import "errors"

// Exit codes follow the CLI surface contract: 0 success, 64 usage error,
// 69 service unavailable, 70 internal error.
const (
	exitSuccess     = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitInternal    = 70
)

// usageError marks a cobra RunE failure as the caller's fault (bad flags,
// missing required argument) rather than an operational one.
type usageError struct{ cause error }

func (e *usageError) Error() string { return e.cause.Error() }
func (e *usageError) Unwrap() error { return e.cause }

func newUsageError(cause error) error { return &usageError{cause: cause} }

// unavailableError marks a failure to reach a required backend (Postgres,
// Redis) at startup, distinct from a bug in the orchestrator itself.
type unavailableError struct{ cause error }

func (e *unavailableError) Error() string { return e.cause.Error() }
func (e *unavailableError) Unwrap() error { return e.cause }

func newUnavailableError(cause error) error { return &unavailableError{cause: cause} }

func exitCodeFor(err error) int {
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		return exitUsage
	}
	var unavailableErr *unavailableError
	if errors.As(err, &unavailableErr) {
		return exitUnavailable
	}
	return exitInternal
}
