// Package api
// Author: momentics <momentics@gmail.com>
//
// Portable error conditions shared by every layer of the network core.
// OS and TLS failures are translated into these before they leave a package.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeWouldBlock
	ErrCodeInProgress
	ErrCodeWantRead
	ErrCodeWantWrite
	ErrCodeTimeout
	ErrCodeReset
	ErrCodeCanceled
	ErrCodeEOF
	ErrCodeClosed
	ErrCodeRefused
	ErrCodeBadAddress
	ErrCodeHostUnreachable
	ErrCodeResourceExhausted
	ErrCodeProtocol
	ErrCodeConfig
	ErrCodeInvalidArgument
	ErrCodeNotSupported
	ErrCodeInterrupted
	ErrCodePendingWork
	ErrCodeInternal
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                "ok",
	ErrCodeWouldBlock:        "would block",
	ErrCodeInProgress:        "operation in progress",
	ErrCodeWantRead:          "tls wants read",
	ErrCodeWantWrite:         "tls wants write",
	ErrCodeTimeout:           "timed out",
	ErrCodeReset:             "connection reset",
	ErrCodeCanceled:          "canceled",
	ErrCodeEOF:               "end of stream",
	ErrCodeClosed:            "socket closed",
	ErrCodeRefused:           "connection refused",
	ErrCodeBadAddress:        "bad address",
	ErrCodeHostUnreachable:   "host unreachable",
	ErrCodeResourceExhausted: "resource exhausted",
	ErrCodeProtocol:          "protocol error",
	ErrCodeConfig:            "configuration error",
	ErrCodeInvalidArgument:   "invalid argument",
	ErrCodeNotSupported:      "operation not supported",
	ErrCodeInterrupted:       "interrupted",
	ErrCodePendingWork:       "pending work outstanding",
	ErrCodeInternal:          "internal error",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Common conditions. Compare with errors.Is; matching is by code only, so a
// wrapped or re-worded condition still matches its sentinel.
var (
	ErrWouldBlock        = NewError(ErrCodeWouldBlock, "")
	ErrInProgress        = NewError(ErrCodeInProgress, "")
	ErrWantRead          = NewError(ErrCodeWantRead, "")
	ErrWantWrite         = NewError(ErrCodeWantWrite, "")
	ErrTimeout           = NewError(ErrCodeTimeout, "")
	ErrReset             = NewError(ErrCodeReset, "")
	ErrCanceled          = NewError(ErrCodeCanceled, "")
	ErrEOF               = NewError(ErrCodeEOF, "")
	ErrClosed            = NewError(ErrCodeClosed, "")
	ErrRefused           = NewError(ErrCodeRefused, "")
	ErrBadAddress        = NewError(ErrCodeBadAddress, "")
	ErrHostUnreachable   = NewError(ErrCodeHostUnreachable, "")
	ErrResourceExhausted = NewError(ErrCodeResourceExhausted, "")
	ErrProtocol          = NewError(ErrCodeProtocol, "")
	ErrConfig            = NewError(ErrCodeConfig, "")
	ErrInvalidArgument   = NewError(ErrCodeInvalidArgument, "")
	ErrNotSupported      = NewError(ErrCodeNotSupported, "")
	ErrInterrupted       = NewError(ErrCodeInterrupted, "")
	ErrPendingWork       = NewError(ErrCodePendingWork, "")
)

// Error is a portable error condition: a kind plus an optional message and cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a condition to an underlying cause.
func Wrap(code ErrorCode, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// Errorf builds a condition with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	default:
		return e.Code.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf extracts the condition code of err, ErrCodeOK for nil and
// ErrCodeInternal for errors that carry no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsWouldBlock reports plain and TLS-level would-block conditions.
func IsWouldBlock(err error) bool {
	switch CodeOf(err) {
	case ErrCodeWouldBlock, ErrCodeWantRead, ErrCodeWantWrite:
		return true
	}
	return false
}

// IsTransient reports conditions that only mean "try again when ready".
func IsTransient(err error) bool {
	return IsWouldBlock(err) || CodeOf(err) == ErrCodeInProgress || CodeOf(err) == ErrCodeInterrupted
}
