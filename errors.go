/* particle-iot/usb - host-side control-transfer protocol and DFU client
 * for Particle microcontroller devices
 *
 * Error kinds
 */

package usb

import (
	"errors"
	"fmt"
)

// ErrKind discriminates the error categories a caller may need to act on.
// Test for a kind with the Is helper below rather than a type assertion.
type ErrKind int

// Error kinds, per the protocol's error taxonomy.
const (
	// KindDevice is the generic/base category.
	KindDevice ErrKind = iota
	// KindState means the handle isn't Open, or is being closed.
	KindState
	// KindTimeout means a request's deadline elapsed.
	KindTimeout
	// KindMemory means the device reported NO_MEMORY.
	KindMemory
	// KindProtocol means a malformed or unexpected service frame.
	KindProtocol
	// KindUsb wraps an underlying transport failure.
	KindUsb
	// KindRequest means the device processed the request but returned
	// a non-OK result code.
	KindRequest
	// KindNotFound means an entity lookup failed.
	KindNotFound
	// KindDfu means a DFU state-machine violation.
	KindDfu
	// KindInternal means an assertion failure; a bug, not a recoverable
	// condition.
	KindInternal
)

func (k ErrKind) String() string {
	switch k {
	case KindDevice:
		return "DeviceError"
	case KindState:
		return "StateError"
	case KindTimeout:
		return "TimeoutError"
	case KindMemory:
		return "MemoryError"
	case KindProtocol:
		return "ProtocolError"
	case KindUsb:
		return "UsbError"
	case KindRequest:
		return "RequestError"
	case KindNotFound:
		return "NotFoundError"
	case KindDfu:
		return "DfuError"
	case KindInternal:
		return "InternalError"
	}
	return "DeviceError"
}

// Error is the error type returned by this package. Kind distinguishes
// the category (for callers that branch on it); Result is populated only
// for KindRequest; Cause, when present, is the underlying
// error that triggered this one (a transport failure, a parse error).
type Error struct {
	Kind    ErrKind
	Message string
	Result  uint32 // populated for KindRequest
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/As see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

func newErr(kind ErrKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind ErrKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// StateError reports that the device handle is not Open, or is being
// closed.
func StateError(format string, args ...interface{}) error {
	return newErr(KindState, format, args...)
}

// TimeoutError reports that a request's deadline elapsed.
func TimeoutError(format string, args ...interface{}) error {
	return newErr(KindTimeout, format, args...)
}

// MemoryError reports that the device returned NO_MEMORY.
func MemoryError(format string, args ...interface{}) error {
	return newErr(KindMemory, format, args...)
}

// ProtocolError reports a malformed or unexpected service frame.
func ProtocolError(format string, args ...interface{}) error {
	return newErr(KindProtocol, format, args...)
}

// UsbError wraps an underlying transport failure.
func UsbError(cause error, format string, args ...interface{}) error {
	return wrapErr(KindUsb, cause, format, args...)
}

// RequestError reports that the device processed the request but
// returned a non-OK result code.
func RequestError(result uint32, message string) error {
	return &Error{Kind: KindRequest, Result: result, Message: message}
}

// NotFoundError reports that an entity lookup (device, module, section)
// failed.
func NotFoundError(format string, args ...interface{}) error {
	return newErr(KindNotFound, format, args...)
}

// DfuError reports a DFU state-machine violation.
func DfuError(format string, args ...interface{}) error {
	return newErr(KindDfu, format, args...)
}

// DeviceError is the generic/base error category.
func DeviceError(format string, args ...interface{}) error {
	return newErr(KindDevice, format, args...)
}

// InternalError reports an assertion failure. Its presence is a bug.
func InternalError(format string, args ...interface{}) error {
	return newErr(KindInternal, format, args...)
}

// Is reports whether err (or anything in its causal chain) carries the
// given kind.
func Is(err error, kind ErrKind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// ErrorChain formats err together with its full causal chain, innermost
// cause last, one " <- " per link. Useful for diagnostics; not meant for
// matching against.
func ErrorChain(err error) string {
	if err == nil {
		return "<nil>"
	}

	s := err.Error()
	for {
		cause := errors.Unwrap(err)
		if cause == nil {
			return s
		}
		s += " <- " + cause.Error()
		err = cause
	}
}
