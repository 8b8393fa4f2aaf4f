// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package bridge

import "fmt"

// ErrorCode is the plugin's error taxonomy, reported synchronously via
// push_event for every request validation or state failure.
type ErrorCode int

const (
	ErrNoMessage      ErrorCode = 440
	ErrInvalidJSON    ErrorCode = 441
	ErrInvalidRequest ErrorCode = 442
	ErrMissingElement ErrorCode = 443
	ErrInvalidElement ErrorCode = 444
	ErrWrongState     ErrorCode = 445
	ErrMissingSDP     ErrorCode = 446
	ErrInvalidSDP     ErrorCode = 447
	ErrIOError        ErrorCode = 448
	ErrRecordingError ErrorCode = 449
	ErrTooStrict      ErrorCode = 450
	ErrUnknown        ErrorCode = 499
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNoMessage:
		return "NO_MESSAGE"
	case ErrInvalidJSON:
		return "INVALID_JSON"
	case ErrInvalidRequest:
		return "INVALID_REQUEST"
	case ErrMissingElement:
		return "MISSING_ELEMENT"
	case ErrInvalidElement:
		return "INVALID_ELEMENT"
	case ErrWrongState:
		return "WRONG_STATE"
	case ErrMissingSDP:
		return "MISSING_SDP"
	case ErrInvalidSDP:
		return "INVALID_SDP"
	case ErrIOError:
		return "IO_ERROR"
	case ErrRecordingError:
		return "RECORDING_ERROR"
	case ErrTooStrict:
		return "TOO_STRICT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// APIError is the error type every RequestHandler entry point returns on
// failure. It carries enough to build the `{error_code, error}` response
// envelope without the caller re-deriving a code from a generic error.
type APIError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

func newAPIError(code ErrorCode, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapAPIError(code ErrorCode, cause error, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}
