// Package pgerrors implements the closed error taxonomy every DAL and
// handler operation produces (spec §7): a small set of kinds, each mapping
// to exactly one errno returned to the VFS bridge.
package pgerrors

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind is one member of the taxonomy in spec.md §7.
type Kind string

const (
	KindNotFound      Kind = "NOT_FOUND"
	KindAlreadyExists Kind = "ALREADY_EXISTS"
	KindIsDirectory   Kind = "IS_DIRECTORY"
	KindNotDirectory  Kind = "NOT_DIRECTORY"
	KindNotPermitted  Kind = "NOT_PERMITTED"
	KindNotEmpty      Kind = "NOT_EMPTY"
	KindInvalidHandle Kind = "INVALID_HANDLE"
	KindReadOnly      Kind = "READ_ONLY"
	KindOutOfMemory   Kind = "OUT_OF_MEMORY"
	KindBadArgument   Kind = "BAD_ARGUMENT"
	KindIO            Kind = "IO"
)

// errno is the fixed, one-to-one mapping from kind to errno (spec.md §7).
var errno = map[Kind]syscall.Errno{
	KindNotFound:      syscall.ENOENT,
	KindAlreadyExists: syscall.EEXIST,
	KindIsDirectory:   syscall.EISDIR,
	KindNotDirectory:  syscall.ENOTDIR,
	KindNotPermitted:  syscall.EPERM,
	KindNotEmpty:      syscall.ENOTEMPTY,
	KindInvalidHandle: syscall.EBADF,
	KindReadOnly:      syscall.EROFS,
	KindOutOfMemory:   syscall.ENOMEM,
	KindBadArgument:   syscall.EINVAL,
	KindIO:            syscall.EIO,
}

// Error is the single error type every pgfuse component produces. It
// carries a closed Kind, the component/operation that raised it, optional
// key/value context for logging, and a wrapped cause.
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Path      string
	Context   map[string]string
	Cause     error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s:%s] %s %q: %s", e.Component, e.Operation, e.Kind, e.Path, e.message())
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.message())
}

func (e *Error) message() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality, so errors.Is(err, pgerrors.NotFound("", "", "")) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Errno maps the error to the POSIX errno the VFS bridge should return.
func (e *Error) Errno() syscall.Errno {
	if code, ok := errno[e.Kind]; ok {
		return code
	}
	return syscall.EIO
}

// New builds an Error of the given kind with component/operation context.
func New(kind Kind, component, operation string) *Error {
	return &Error{Kind: kind, Component: component, Operation: operation}
}

// Wrap builds an IO-kind Error from an unexpected lower-level failure (the
// catch-all in spec.md §7: "unexpected database errors map to a generic I/O
// error").
func Wrap(component, operation string, cause error) *Error {
	return &Error{Kind: KindIO, Component: component, Operation: operation, Cause: cause}
}

// WithPath attaches the path under operation for diagnostics.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithContext attaches a single key/value of diagnostic context.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// Convenience constructors mirroring spec.md §7 one-to-one.

func NotFound(component, operation, path string) *Error {
	return New(KindNotFound, component, operation).WithPath(path)
}

func AlreadyExists(component, operation, path string) *Error {
	return New(KindAlreadyExists, component, operation).WithPath(path)
}

func IsDirectory(component, operation, path string) *Error {
	return New(KindIsDirectory, component, operation).WithPath(path)
}

func NotDirectory(component, operation, path string) *Error {
	return New(KindNotDirectory, component, operation).WithPath(path)
}

func NotPermitted(component, operation, path string) *Error {
	return New(KindNotPermitted, component, operation).WithPath(path)
}

func NotEmpty(component, operation, path string) *Error {
	return New(KindNotEmpty, component, operation).WithPath(path)
}

func InvalidHandle(component, operation string) *Error {
	return New(KindInvalidHandle, component, operation)
}

func ReadOnly(component, operation string) *Error {
	return New(KindReadOnly, component, operation)
}

func OutOfMemory(component, operation string) *Error {
	return New(KindOutOfMemory, component, operation)
}

func BadArgument(component, operation, reason string) *Error {
	return New(KindBadArgument, component, operation).WithContext("reason", reason)
}

// ToErrno converts any error into a syscall.Errno for a pathfs return value.
// Non-*Error causes map to EIO, the catch-all in spec.md §7.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Errno()
	}
	return syscall.EIO
}

// Of reports the Kind of err, or "" if err is not (or does not wrap) an *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
