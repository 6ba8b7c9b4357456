package modules

// errors.go defines the coded error taxonomy shared by every subsystem
// boundary. Internal failures are mapped to one of these codes before they
// reach the HTTP edge; an unclassified error is a bug, not an API response.

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable class of a coordinator error.
type ErrorCode string

const (
	ErrCodeUnauthorizedKey ErrorCode = "UNAUTHORIZED_KEY"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodeInvalidPayload  ErrorCode = "INVALID_PAYLOAD"
	ErrCodeTTLOutOfRange   ErrorCode = "TTL_OUT_OF_RANGE"
	ErrCodeJobNotFound     ErrorCode = "JOB_NOT_FOUND"
	ErrCodeMinerNotFound   ErrorCode = "MINER_NOT_FOUND"
	ErrCodeForbidden       ErrorCode = "FORBIDDEN"
	ErrCodeJobNotReady     ErrorCode = "JOB_NOT_READY"
	ErrCodeConflictState   ErrorCode = "CONFLICT_STATE"
	ErrCodeConflictReceipt ErrorCode = "CONFLICT_RECEIPT"
	ErrCodeBadSignature    ErrorCode = "BAD_SIGNATURE"
	ErrCodeInternal        ErrorCode = "INTERNAL"

	// ErrCodeNoEligibleMiner is internal only; it is never surfaced to a
	// miner, an empty poll result is returned instead.
	ErrCodeNoEligibleMiner ErrorCode = "NO_ELIGIBLE_MINER"
)

// An Error is a coordinator error with a code from the taxonomy, a human
// readable message, and optional structured details that are serialized
// into the error envelope.
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a coded error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds a coded error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a structured detail to the error and returns it.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsError extracts a coded *Error from err, if one is in its chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf returns the code of err, or ErrCodeInternal if err carries none.
func CodeOf(err error) ErrorCode {
	if ce, ok := AsError(err); ok {
		return ce.Code
	}
	return ErrCodeInternal
}

// Common sentinel instances. Comparisons should go through CodeOf rather
// than pointer equality; these exist so call sites read cleanly.
var (
	ErrJobNotFound   = NewError(ErrCodeJobNotFound, "no job with that id")
	ErrMinerNotFound = NewError(ErrCodeMinerNotFound, "no miner with that id")
	ErrNoReceipt     = NewError(ErrCodeJobNotFound, "job has no receipt")
	ErrForbidden     = NewError(ErrCodeForbidden, "principal does not own this job")
)
