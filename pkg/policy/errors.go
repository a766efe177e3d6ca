package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyNotFound is returned when an executed name has no registered policy.
	ErrPolicyNotFound = errors.New("policy not defined")
	// ErrInvalidPolicies is returned when a policy selector is neither a name nor a list of names.
	ErrInvalidPolicies = errors.New("policies should be provided as a string or array of strings")
	// ErrRejected is the failure reported by an Outcome rejected without a reason.
	ErrRejected = errors.New("policy rejected")
	// ErrNoOutcome is the failure reported when a policy returns a nil Outcome.
	ErrNoOutcome = errors.New("policy returned no outcome")
)

// UsageError reports misuse of the Executor. It is always returned
// synchronously from Execute or ExecuteAny, never through an Outcome.
type UsageError struct {
	Op     string
	Policy string
	Err    error
}

func (e *UsageError) Error() string {
	if e.Policy != "" {
		return fmt.Sprintf("%s: can't execute policy '%s': %v", e.Op, e.Policy, e.Err)
	}
	return fmt.Sprintf("%s: can't execute policies: %v", e.Op, e.Err)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

// DeniedError is the conventional rejection of a policy that ran and refused
// the request. The Executor passes it through untouched.
type DeniedError struct {
	Policy string
	Reason string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("policy %q denied the request", e.Policy)
	}
	return fmt.Sprintf("policy %q denied the request: %s", e.Policy, e.Reason)
}

// Deny builds a DeniedError for the named policy.
func Deny(policy, reason string) error {
	return &DeniedError{Policy: policy, Reason: reason}
}

// IsDenied reports whether err carries a DeniedError and returns it.
func IsDenied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}
