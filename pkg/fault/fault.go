// Package fault defines the error taxonomy shared by the gateway,
// registry, task store, and assignment engine.
//
// The categories matter to callers: Transient errors have already been
// retried by the data gateway and indicate the backing store is
// unreachable; Validation and Conflict errors are client faults and
// must never be retried; Protocol errors come from the node cluster
// backend and carry no retry policy at all.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// KindTransient marks store/cache unavailability, surfaced after
	// the gateway's retry budget is exhausted.
	KindTransient Kind = "transient"

	// KindValidation marks bad input: mismatched ids, unknown status
	// values, empty required fields.
	KindValidation Kind = "validation"

	// KindConflict marks entity-not-found on update or a state machine
	// transition requested from the wrong state.
	KindConflict Kind = "conflict"

	// KindProtocol marks socket-level failures talking to the node
	// cluster backend: connect refused, timeout, oversized response.
	KindProtocol Kind = "protocol"
)

// Error is a classified error. Use the constructors below; match with
// errors.Is against the category sentinels or errors.As against *Error.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// Category sentinels for errors.Is.
var (
	ErrTransient  = &Error{kind: KindTransient, msg: "transient store error"}
	ErrValidation = &Error{kind: KindValidation, msg: "validation error"}
	ErrConflict   = &Error{kind: KindConflict, msg: "conflict"}
	ErrProtocol   = &Error{kind: KindProtocol, msg: "protocol error"}
)

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Is matches any *Error of the same kind, so
// errors.Is(err, fault.ErrConflict) works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// Transient wraps err as a transient store error.
func Transient(err error, format string, args ...any) error {
	return &Error{kind: KindTransient, msg: fmt.Sprintf(format, args...), err: err}
}

// Validationf reports a client input fault.
func Validationf(format string, args ...any) error {
	return &Error{kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

// Conflictf reports a not-found or wrong-state fault.
func Conflictf(format string, args ...any) error {
	return &Error{kind: KindConflict, msg: fmt.Sprintf(format, args...)}
}

// Protocol wraps err as a node-backend transport fault. err may be nil.
func Protocol(err error, format string, args ...any) error {
	return &Error{kind: KindProtocol, msg: fmt.Sprintf(format, args...), err: err}
}

// IsClientFault reports whether err is a validation or conflict error,
// i.e. retrying the same call cannot succeed.
func IsClientFault(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict)
}
