package pipeline

import (
	"errors"
	"fmt"
)

// ErrFiltered tells the runtime an update is not relevant to a parser. It is not a failure.
var ErrFiltered = errors.New("filtered")

// MalformedError is a genuine decode failure.
type MalformedError struct {
	Detail string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil && e.Detail != "" {
		return fmt.Sprintf("malformed: %s: %v", e.Detail, e.Err)
	}
	if e.Err != nil {
		return "malformed: " + e.Err.Error()
	}
	return "malformed: " + e.Detail
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Malformed wraps err with a decode detail.
func Malformed(detail string, err error) error {
	return &MalformedError{Detail: detail, Err: err}
}

// Malformedf builds a MalformedError from a format string.
func Malformedf(format string, args ...any) error {
	return &MalformedError{Detail: fmt.Sprintf(format, args...)}
}

// IsFiltered reports whether err carries ErrFiltered.
func IsFiltered(err error) bool {
	return errors.Is(err, ErrFiltered)
}

// classify maps a parser error onto the decode taxonomy.
func classify(err error) error {
	if err == nil || IsFiltered(err) {
		return err
	}
	var me *MalformedError
	if errors.As(err, &me) {
		return err
	}
	return &MalformedError{Detail: err.Error(), Err: err}
}

// HandlerError records one failed handler invocation.
type HandlerError struct {
	Index    int
	Err      error
	TimedOut bool
	Panicked bool
}

func (e HandlerError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("handler %d timed out: %v", e.Index, e.Err)
	case e.Panicked:
		return fmt.Sprintf("handler %d panicked: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("handler %d: %v", e.Index, e.Err)
}

func (e HandlerError) Unwrap() error { return e.Err }
