// Package errors defines the structured error taxonomy of the storage engine.
//
// Every error produced by the engine itself is an [*Error] carrying a [Kind]
// and a [Code]. Filesystem failures are passed through wrapped with context, so
// the original cause stays reachable with errors.Is and errors.As.
package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Kind is the broad class of an error.
type Kind int

const (
	// KindValidation is a bad argument or a broken internal invariant.
	KindValidation Kind = iota + 1
	// KindIO is a filesystem failure.
	KindIO
	// KindState is an operation invalid for the lifecycle state of the instance.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindIO:
		return "io"
	case KindState:
		return "state"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Code identifies a specific error condition.
type Code string

const (
	// ErrOutOfRange is returned when a record index is outside [0, len).
	ErrOutOfRange Code = "OUT_OF_RANGE"
	// ErrIndexAlreadyLoaded is returned when the index log is replayed twice.
	ErrIndexAlreadyLoaded Code = "INDEX_ALREADY_LOADED"
	// ErrTornIndex is returned when the index file ends with a partial entry
	// and strict mode is enabled.
	ErrTornIndex Code = "TORN_INDEX"
	// ErrStaleIndex is returned when appending while index.bin holds entries
	// written by another process that were not read with Refresh.
	ErrStaleIndex Code = "STALE_INDEX"
	// ErrInvalidOption is returned when a constructor argument is unusable.
	ErrInvalidOption Code = "INVALID_OPTION"
	// ErrInvalidMetadata is returned when metadata.json is unusable.
	ErrInvalidMetadata Code = "INVALID_METADATA"
	// ErrNotDataset is returned when a directory lacks index.bin or metadata.json.
	ErrNotDataset Code = "NOT_A_DATASET"
	// ErrCorrupt is returned when index entries point outside the page files.
	ErrCorrupt Code = "CORRUPT"
	// ErrRecordTooLarge is returned when a record or page offset overflows 32 bits.
	ErrRecordTooLarge Code = "RECORD_TOO_LARGE"

	// ErrShortRead is returned when a page holds fewer bytes than the index claims.
	ErrShortRead Code = "SHORT_READ"

	// ErrClosed is returned when operating on a closed instance.
	ErrClosed Code = "CLOSED"
	// ErrEphemeral is returned when persisting a reference to a scratch dataset.
	ErrEphemeral Code = "EPHEMERAL"
)

// Error is a concrete error with a kind, a code, and optional details.
type Error struct {
	kind       Kind
	code       Code
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error.
func New(kind Kind, code Code, message string) *Error {
	return &Error{
		kind:    kind,
		code:    code,
		message: message,
	}
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Kind returns the error class.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the error code.
func (e *Error) Code() Code {
	return e.code
}

// Details returns additional error details. It may be nil.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is makes a closed-instance error match fs.ErrClosed.
func (e *Error) Is(target error) bool {
	return e.code == ErrClosed && target == fs.ErrClosed
}

// Predefined constructors.

// OutOfRange reports an index outside [0, length).
func OutOfRange(index, length int) *Error {
	return New(KindValidation, ErrOutOfRange, fmt.Sprintf("index %d out of range [0, %d)", index, length)).
		WithDetail("index", index).
		WithDetail("length", length)
}

// Validation creates a validation error.
func Validation(code Code, message string) *Error {
	return New(KindValidation, code, message)
}

// State creates a lifecycle state error.
func State(code Code, message string) *Error {
	return New(KindState, code, message)
}

// Closed reports an operation on a closed instance.
func Closed(what string) *Error {
	return State(ErrClosed, what+" is closed")
}

// IO creates an IO error wrapping err.
func IO(code Code, message string, err error) *Error {
	return New(KindIO, code, message).Wrap(err)
}

// Predicates.

// KindOf returns the kind of err, or 0 when err is nil or unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.kind
	}
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	var sysErr *os.SyscallError
	if stderrors.As(err, &pathErr) || stderrors.As(err, &linkErr) || stderrors.As(err, &sysErr) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) {
		return KindIO
	}
	return 0
}

// CodeOf returns the code of err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.code
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsIO reports whether err is a filesystem failure.
func IsIO(err error) bool {
	return KindOf(err) == KindIO
}

// IsState reports whether err is a lifecycle state error.
func IsState(err error) bool {
	return KindOf(err) == KindState
}
