package models

import (
	"errors"
	"fmt"
)

// Error codes used in API responses and internal error handling.
const (
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeNavigation   = "NAVIGATION_FAILED"
	ErrCodeContext      = "CONTEXT_CREATE_FAILED"
	ErrCodeBrowserCrash = "BROWSER_CRASH"
	ErrCodeTransport    = "TRANSPORT_FAILED"
	ErrCodeNoSources    = "NO_SOURCES"
	ErrCodeNoTask       = "NO_ACTIVE_TASK"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// ErrNoSources is returned when a query resolves to zero dispatchable sources.
// It is the only aggregation failure surfaced to the user as an error.
var ErrNoSources = errors.New("no sources available for aggregation")

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FusionError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type FusionError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *FusionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FusionError) Unwrap() error {
	return e.Err
}

// NewFusionError creates a new FusionError.
func NewFusionError(code, message string, err error) *FusionError {
	return &FusionError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *FusionError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// AsFusionError unwraps err into a *FusionError, wrapping it as an internal
// error when no FusionError is found in the chain.
func AsFusionError(err error) *FusionError {
	var fe *FusionError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, ErrNoSources) {
		return NewFusionError(ErrCodeNoSources, err.Error(), err)
	}
	return NewFusionError(ErrCodeInternal, err.Error(), err)
}
