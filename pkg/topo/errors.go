package topo

import "fmt"

// Kind identifies a class of error in the taxonomy that the CLI driver
// maps to exit codes and that callers can match with errors.Is.
type Kind string

const (
	ConfigNotFound     Kind = "ConfigNotFound"
	ConfigInvalid      Kind = "ConfigInvalid"
	UnknownKind        Kind = "UnknownKind"
	NameCollision      Kind = "NameCollision"
	AddressExhausted   Kind = "AddressExhausted"
	P2PAmbiguous       Kind = "P2PAmbiguous"
	BackendUnavailable Kind = "BackendUnavailable"
	PermissionDenied   Kind = "PermissionDenied"
	LinkExists         Kind = "LinkExists"
	IfaceNotFound      Kind = "IfaceNotFound"
	StartFailed        Kind = "StartFailed"
	ExecFailed         Kind = "ExecFailed"
	NotRunning         Kind = "NotRunning"
	Cancelled          Kind = "Cancelled"
	Internal           Kind = "Internal"
)

// Error is the engine's structured error type. Op names the component or
// operation that failed ("config.load", "alloc.network", "backend.start");
// Detail is a short human-readable cause; Err, if set, wraps an underlying
// error so callers can still unwrap down to os/exec or syscall errors.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same Kind, so that
// errors.Is(err, &Error{Kind: AddressExhausted}) style checks work without
// callers needing to construct a full sentinel per site.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError constructs an *Error with the given kind, operation and detail.
func NewError(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// ExitCode maps an error's Kind to the standalone driver's exit code (§6).
// A nil error returns 0; unrecognised errors return 1 (generic failure).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var te *Error
	if e, ok := err.(*Error); ok {
		te = e
	} else if u, ok := err.(interface{ Unwrap() error }); ok {
		if e, ok := u.Unwrap().(*Error); ok {
			te = e
		}
	}
	if te == nil {
		return 1
	}
	switch te.Kind {
	case ConfigNotFound, UnknownKind, NameCollision, AddressExhausted, P2PAmbiguous:
		return 2
	case ConfigInvalid:
		return 3
	case PermissionDenied:
		return 4
	case BackendUnavailable:
		return 5
	case StartFailed, LinkExists, IfaceNotFound, ExecFailed, NotRunning, Internal:
		return 6
	case Cancelled:
		return 130
	default:
		return 1
	}
}
