package tmdb

import (
	"errors"
	"fmt"
)

// Lookup failure classes. Match with errors.Is.
var (
	// ErrInvalid: 4xx or a payload missing id/title. Never retried.
	ErrInvalid = errors.New("catalog lookup invalid")
	// ErrUnavailable: transport errors, timeouts or 5xx after all retries.
	ErrUnavailable = errors.New("catalog unavailable")
	// ErrNotFound: the search returned no usable result.
	ErrNotFound = errors.New("no catalog match")
)

// LookupError describes a failed catalog call
type LookupError struct {
	Op         string // "search", "details", "genres"
	Kind       error  // one of ErrInvalid, ErrUnavailable, ErrNotFound
	StatusCode int    // 0 when no response was received
	Err        error
}

func (e *LookupError) Error() string {
	msg := fmt.Sprintf("tmdb %s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status=%d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LookupError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
