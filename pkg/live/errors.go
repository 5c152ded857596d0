package live

import (
	"fmt"
)

// ErrorKind categorizes session errors.
type ErrorKind string

const (
	// ErrConnection covers transport open, close, and mid-session failures.
	ErrConnection ErrorKind = "connection_error"
	// ErrCaptureDevice covers microphone acquisition and hardware failures.
	ErrCaptureDevice ErrorKind = "capture_device_error"
	// ErrDecode covers malformed inbound audio chunks.
	ErrDecode ErrorKind = "decode_error"
	// ErrInvalidConfig covers rejected configuration values.
	ErrInvalidConfig ErrorKind = "invalid_config_error"
)

// Error is a classified session error.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the error forces session teardown.
// Decode failures are local: the offending chunk is dropped and the
// session continues.
func (e *Error) IsFatal() bool {
	switch e.Kind {
	case ErrConnection, ErrCaptureDevice:
		return true
	default:
		return false
	}
}

// NewConnectionError creates a transport-level error.
func NewConnectionError(message string, err error) *Error {
	return &Error{Kind: ErrConnection, Message: message, Err: err}
}

// NewCaptureError creates a capture-device error.
func NewCaptureError(message string, err error) *Error {
	return &Error{Kind: ErrCaptureDevice, Message: message, Err: err}
}

// NewDecodeError creates a non-fatal chunk decode error.
func NewDecodeError(message string, err error) *Error {
	return &Error{Kind: ErrDecode, Message: message, Err: err}
}

// NewInvalidConfigError creates a configuration error.
func NewInvalidConfigError(message string) *Error {
	return &Error{Kind: ErrInvalidConfig, Message: message}
}
