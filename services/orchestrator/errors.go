package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"pcdeploy/services/drbl"
)

var (
	// ErrValidation marks malformed input: bad mode, unknown image,
	// unresolvable targets, out-of-range values.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing deployment or an unknown machine within one.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict marks an operation that is invalid for the current status.
	ErrStateConflict = errors.New("state conflict")
	// ErrToolConfig is returned when the imaging tool rejects its preconditions.
	ErrToolConfig = drbl.ErrConfig
	// ErrToolCommand is returned when the imaging tool invocation fails.
	ErrToolCommand = drbl.ErrCommand
)

// ValidationError names the offending field and every rejected value.
type ValidationError struct {
	Field   string
	Values  []string
	Allowed []string
	Reason  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Field)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	} else {
		b.WriteString(": invalid value")
	}
	if len(e.Values) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Values, ", "))
	}
	if len(e.Allowed) > 0 {
		fmt.Fprintf(&b, " (allowed: %s)", strings.Join(e.Allowed, ", "))
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StateError reports the current status alongside the statuses that would
// have allowed the operation.
type StateError struct {
	Op       string
	Current  Status
	Required []Status
}

func (e *StateError) Error() string {
	switch len(e.Required) {
	case 0:
		return fmt.Sprintf("cannot %s deployment in status %s", e.Op, e.Current)
	case 1:
		return fmt.Sprintf("deployment must be %s to %s, current status: %s", e.Required[0], e.Op, e.Current)
	default:
		names := make([]string, len(e.Required))
		for i, s := range e.Required {
			names[i] = string(s)
		}
		return fmt.Sprintf("deployment must be one of %s to %s, current status: %s", strings.Join(names, "/"), e.Op, e.Current)
	}
}

func (e *StateError) Unwrap() error { return ErrStateConflict }

func invalid(field, reason string, values ...string) error {
	return &ValidationError{Field: field, Reason: reason, Values: values}
}
