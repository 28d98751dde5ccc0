package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind is the error taxonomy reported to the UI layer.
type ErrorKind int

const (
	// ResourceCreationFailure means the output file or its tracks could not be created.
	ResourceCreationFailure ErrorKind = iota + 1
	// WriteFailure is an I/O or muxing error in the middle of a recording.
	WriteFailure
	// UnsupportedFormat means the source reported a codec or size we cannot record.
	UnsupportedFormat
	// OrientationConfigError is an orientation outside the known set.
	OrientationConfigError
	// CaptureSourceFailure is an error raised by the capture source itself.
	CaptureSourceFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ResourceCreationFailure:
		return "ResourceCreationFailure"
	case WriteFailure:
		return "WriteFailure"
	case UnsupportedFormat:
		return "UnsupportedFormat"
	case OrientationConfigError:
		return "OrientationConfigError"
	case CaptureSourceFailure:
		return "CaptureSourceFailure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error carries a taxonomy code, a human readable message and the cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds an Error; cause may be nil.
func NewError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the taxonomy code of err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// AsError converts any error into an *Error, keeping an existing code and
// falling back to kind otherwise.
func AsError(err error, kind ErrorKind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Err: err}
}
