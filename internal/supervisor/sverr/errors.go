// Package sverr defines the supervisor-wide error taxonomy. Every
// user-facing operation in the supervisor returns an error wrapped with one
// of these kinds so callers (and the HTTP/WS boundary) can switch on it with
// errors.As instead of string matching.
package sverr

import "fmt"

// Kind is one of the error kinds from the supervisor's taxonomy. It is a
// string, not an int, so it prints usefully in logs without a String method.
type Kind string

const (
	InvalidSessionName  Kind = "InvalidSessionName"
	InvalidInput        Kind = "InvalidInput"
	SessionNotFound     Kind = "SessionNotFound"
	DuplicateSession    Kind = "DuplicateSession"
	SpawnError          Kind = "SpawnError"
	SessionDead         Kind = "SessionDead"
	NotReady            Kind = "NotReady"
	StuckAgent          Kind = "StuckAgent"
	BackendNotInitialized Kind = "BackendNotInitialized"
	RateLimited         Kind = "RateLimited"
	RestartInProgress   Kind = "RestartInProgress"
	StorageError        Kind = "StorageError"
	Timeout             Kind = "Timeout"
	PermissionError     Kind = "PermissionError"
	ProtocolError       Kind = "ProtocolError"
)

// Error is the concrete error type carrying a Kind, the operation that
// failed, and the underlying cause (may be nil).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error wrapping err under kind.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			if se.Kind == kind {
				return true
			}
			err = se.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf extracts the Kind carried by err, or "" if err does not carry one.
func KindOf(err error) Kind {
	for err != nil {
		if se, ok := err.(*Error); ok {
			return se.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
