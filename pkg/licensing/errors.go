package licensing

import (
	"errors"
	"net/http"
)

// Code is the machine-checkable error and rejection taxonomy shared by the
// issuer, the verifier, the wire format and the client controller.
type Code string

const (
	CodeConfiguration    Code = "CONFIGURATION_ERROR"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeMalformed        Code = "MALFORMED"
	CodeSignatureInvalid Code = "SIGNATURE_INVALID"
	CodeExpired          Code = "EXPIRED"
	CodeDeviceMismatch   Code = "DEVICE_MISMATCH"
	CodeNetworkError     Code = "NETWORK_ERROR"
)

// Error is a structured license error. Two Errors match under errors.Is when
// their codes are equal, so the sentinels below can be used as targets.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code only.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Code == t.Code
}

// HTTPStatus maps the error code to the status used on the wire.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	return StatusForCode(e.Code)
}

// Retryable reports whether repeating the same call may succeed.
func (e *Error) Retryable() bool {
	return e != nil && e.Code == CodeNetworkError
}

// Sentinels for errors.Is checks.
var (
	ErrConfiguration    = &Error{Code: CodeConfiguration}
	ErrUnauthorized     = &Error{Code: CodeUnauthorized}
	ErrInvalidRequest   = &Error{Code: CodeInvalidRequest}
	ErrMalformed        = &Error{Code: CodeMalformed}
	ErrSignatureInvalid = &Error{Code: CodeSignatureInvalid}
	ErrExpired          = &Error{Code: CodeExpired}
	ErrDeviceMismatch   = &Error{Code: CodeDeviceMismatch}
	ErrNetwork          = &Error{Code: CodeNetworkError}
)

// NewError builds an Error with a message and optional cause.
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf extracts the license code from an error chain.
func CodeOf(err error) (Code, bool) {
	var le *Error
	if errors.As(err, &le) && le != nil {
		return le.Code, true
	}
	return "", false
}

// StatusForCode maps a code to its HTTP status.
func StatusForCode(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeMalformed:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNetworkError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ReasonMessage returns user-facing copy for a code. Device mismatch and
// expiry deliberately read differently because the remedy differs.
func ReasonMessage(code Code) string {
	switch code {
	case CodeDeviceMismatch:
		return "This activation code belongs to another device. Request a code issued for this device."
	case CodeExpired:
		return "This activation code has expired. Renew or purchase a new term to continue."
	case CodeSignatureInvalid:
		return "This activation code is invalid. Check the code or request a new one."
	case CodeMalformed, CodeInvalidRequest:
		return "This activation code is not in a recognized format."
	case CodeNetworkError:
		return "The license server could not be reached. Try again in a moment."
	case CodeUnauthorized:
		return "Not authorized to issue licenses."
	case CodeConfiguration:
		return "License service unavailable."
	default:
		return "License check failed."
	}
}
