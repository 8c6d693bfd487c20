// Package errs defines the error kinds named in the error handling design:
// not exception types, but a small closed set of tags usable with
// errors.Is/errors.As, wrapped with fmt.Errorf+%w the way the teacher wraps
// errors throughout internal/recordio and internal/app.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a comparable tag identifying which class of failure occurred.
type Kind string

const (
	ConfigError       Kind = "config_error"
	IoError           Kind = "io_error"
	XmlParseError     Kind = "xml_parse_error"
	TransformError    Kind = "transform_error"
	DbConnectError    Kind = "db_connect_error"
	DbQueryError      Kind = "db_query_error"
	HashError         Kind = "hash_error"
	FileTooBigError   Kind = "file_too_big_error"
	ShutdownRequested Kind = "shutdown_requested"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// failure class without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error tagged with kind, attributing the failure to op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
