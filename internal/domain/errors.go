package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates the principal does not own the resource
	ErrForbidden = errors.New("forbidden")
	// ErrRateLimited indicates rate limit exceeded
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrBudgetExceeded indicates the monthly spend ceiling is reached
	ErrBudgetExceeded = errors.New("monthly budget exceeded")
	// ErrCapacityExceeded indicates no streaming slot was free within the admission wait
	ErrCapacityExceeded = errors.New("stream capacity exceeded")
	// ErrNotEligible indicates a document is not in a state that can be processed
	ErrNotEligible = errors.New("document not eligible for processing")
	// ErrConflict indicates a concurrent writer won a compare-and-set
	ErrConflict = errors.New("concurrent update conflict")
)

// StreamErrorCode is the machine-readable code of a stream error event.
type StreamErrorCode string

const (
	CodeBudgetExceeded         StreamErrorCode = "budget_exceeded"
	CodeUpstreamUnavailable    StreamErrorCode = "upstream_unavailable"
	CodeStreamCapacityExceeded StreamErrorCode = "stream_capacity_exceeded"
	CodeUnexpectedError        StreamErrorCode = "unexpected_error"
	CodeInvalidRequest         StreamErrorCode = "invalid_request"
)

// StreamError is an error that maps onto a stream error event.
type StreamError struct {
	Code    StreamErrorCode
	Message string
	Status  int
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code so errors.Is works against the package-level values.
func (e *StreamError) Is(target error) bool {
	t, ok := target.(*StreamError)
	return ok && t.Code == e.Code
}

func NewBudgetExceeded() *StreamError {
	return &StreamError{
		Code:    CodeBudgetExceeded,
		Message: "Monthly budget reached. Increase your limit to continue.",
		Status:  http.StatusPaymentRequired,
	}
}

func NewUpstreamUnavailable() *StreamError {
	return &StreamError{
		Code:    CodeUpstreamUnavailable,
		Message: "The answer service is temporarily unavailable. Please retry shortly.",
		Status:  http.StatusServiceUnavailable,
	}
}

func NewCapacityExceeded() *StreamError {
	return &StreamError{
		Code:    CodeStreamCapacityExceeded,
		Message: "Too many concurrent conversations. Please retry in a moment.",
		Status:  http.StatusServiceUnavailable,
	}
}

func NewUnexpected() *StreamError {
	return &StreamError{
		Code:    CodeUnexpectedError,
		Message: "An unexpected error occurred.",
		Status:  http.StatusInternalServerError,
	}
}

func NewInvalidRequest(msg string) *StreamError {
	return &StreamError{Code: CodeInvalidRequest, Message: msg, Status: http.StatusBadRequest}
}

// AsStreamError converts err into a stream error, defaulting to unexpected_error.
func AsStreamError(err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, ErrBudgetExceeded):
		return NewBudgetExceeded()
	case errors.Is(err, ErrCapacityExceeded):
		return NewCapacityExceeded()
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrForbidden):
		return NewInvalidRequest(err.Error())
	}
	return NewUnexpected()
}
