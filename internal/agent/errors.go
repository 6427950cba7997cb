// File: internal/agent/errors.go
package agent

import "errors"

// Sentinel errors for the two external collaborators. Node code converts
// these into stop-reason state; they never escape a session run.
var (
	// ErrOracleTimeout is returned when the planner call loses the race
	// against its deadline. The in-flight call is abandoned, not reused.
	ErrOracleTimeout = errors.New("oracle call timed out")

	// ErrOracleError wraps any non-timeout planner failure, including a
	// malformed or schema-invalid response.
	ErrOracleError = errors.New("oracle call failed")

	// ErrMalformedAction marks an oracle response whose fields do not
	// satisfy the action contract. Hard error, never silently coerced.
	ErrMalformedAction = errors.New("malformed planner action")

	// ErrElementNotFound is raised when an element-targeted operation
	// cannot resolve its id in the live environment.
	ErrElementNotFound = errors.New("element not found")

	// ErrEnvironmentUnavailable means the underlying browsing surface is
	// gone; callers should re-acquire and retry once.
	ErrEnvironmentUnavailable = errors.New("environment unavailable")
)
