package model

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when a transition's expected state no longer matches.
// Callers re-read the request and retry their own operation.
var ErrConflict = errors.New("transition conflict")

// ValidationError describes a user-fixable problem with a submission
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

// NotFoundError is returned for unknown request ids
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("request %s not found", e.ID)
}

// TransitionError reports an illegal or conflicting transition. It matches
// ErrConflict under errors.Is when the stored state moved underneath the caller.
type TransitionError struct {
	ID     string
	From   State
	To     State
	Actual State
}

func (e *TransitionError) Error() string {
	if e.Actual != e.From {
		return fmt.Sprintf("request %s: expected state %s, found %s (wanted %s)", e.ID, e.From, e.Actual, e.To)
	}
	return fmt.Sprintf("request %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrConflict && e.Actual != e.From
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
