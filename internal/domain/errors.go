// Package domain holds the data model and error taxonomy shared by the
// interception, policy, token accounting and telemetry packages.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStreamClosed is returned by Recv after the stream has been closed.
var ErrStreamClosed = errors.New("stream closed")

// ConfigurationError reports malformed or missing configuration.
// It is always recovered by falling back to defaults.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "invalid configuration"
	if e.Field != "" {
		msg += " field " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PolicyViolationError is returned to the caller of a wrapped call when one
// or more blocking policies failed. The response is still returned alongside
// it; the caller decides whether to suppress it.
type PolicyViolationError struct {
	Results []PolicyResult
}

func (e *PolicyViolationError) Error() string {
	names := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		names = append(names, r.PolicyName)
	}
	return fmt.Sprintf("policy violation: %s", strings.Join(names, ", "))
}

// IsPolicyViolation returns true if err is or wraps a PolicyViolationError.
func IsPolicyViolation(err error) bool {
	var pv *PolicyViolationError
	return errors.As(err, &pv)
}

// TelemetryWriteError wraps a formatter or backend failure.
// It never leaves the telemetry package.
type TelemetryWriteError struct {
	Backend string
	Err     error
}

func (e *TelemetryWriteError) Error() string {
	return fmt.Sprintf("telemetry write to %s failed: %v", e.Backend, e.Err)
}

func (e *TelemetryWriteError) Unwrap() error { return e.Err }

// TokenCountError reports that an exact token count was unavailable.
// Callers recover by using an approximation.
type TokenCountError struct {
	Model string
	Err   error
}

func (e *TokenCountError) Error() string {
	return fmt.Sprintf("token count for model %q: %v", e.Model, e.Err)
}

func (e *TokenCountError) Unwrap() error { return e.Err }

// StackMismatchError is returned when a transaction is ended out of LIFO order.
type StackMismatchError struct {
	// Expected is the id at the top of the stack, empty if the stack is empty.
	Expected string
	Got      string
}

func (e *StackMismatchError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("transaction stack mismatch: %s is not active", e.Got)
	}
	return fmt.Sprintf("transaction stack mismatch: ending %s but top is %s", e.Got, e.Expected)
}
