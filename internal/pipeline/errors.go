package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures. Only KindInput is surfaced to callers;
// every other kind degrades the run to pass-through.
type Kind string

const (
	KindInput        Kind = "input"
	KindConfigAbsent Kind = "config_absent"
	KindService      Kind = "service"
	KindSchema       Kind = "schema"
	KindRender       Kind = "render"
)

var (
	// ErrEmptyImage is returned when the invocation has no image bytes.
	ErrEmptyImage = errors.New("image is empty")
	// ErrNotConfigured means no vision service credentials were supplied.
	ErrNotConfigured = errors.New("vision service credentials are not configured")
)

// Error annotates a failure with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or "" if err is not a pipeline error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
