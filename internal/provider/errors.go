package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

var (
	// ErrUnavailable marks transient failures that may be retried.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRejected marks failures that will not succeed on retry.
	ErrRejected = errors.New("provider rejected request")
	// ErrOperationNotFound is terminal: the provider no longer knows the operation.
	ErrOperationNotFound = fmt.Errorf("%w: operation not found", ErrRejected)
)

// Error describes a failed provider call without carrying the response body.
type Error struct {
	Op         string
	StatusCode int
	// Status is the provider's status enum, e.g. RESOURCE_EXHAUSTED.
	Status string
	Kind   error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider %s: %v", e.Op, e.Kind)
	}
	if e.Status != "" {
		return fmt.Sprintf("provider %s: %v (http %d, %s)", e.Op, e.Kind, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("provider %s: %v (http %d)", e.Op, e.Kind, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Kind }

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRateLimited reports whether the provider asked the caller to slow down.
func IsRateLimited(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && (pe.StatusCode == http.StatusTooManyRequests || pe.Status == "RESOURCE_EXHAUSTED")
}

func kindForStatus(code int) error {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrUnavailable
	}
	return ErrRejected
}

// transportError classifies a failure to complete an HTTP exchange as
// transient. Cancellation by the caller is passed through unchanged.
func transportError(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return &Error{Op: op, Kind: ErrUnavailable}
}

// RedactedFields returns log fields for err that never include prompts or
// provider response bodies.
func RedactedFields(err error) []zap.Field {
	var pe *Error
	if !errors.As(err, &pe) {
		return []zap.Field{zap.String("error_type", fmt.Sprintf("%T", err)), zap.Error(err)}
	}
	kind := "rejected"
	if errors.Is(pe.Kind, ErrUnavailable) {
		kind = "unavailable"
	} else if errors.Is(pe.Kind, ErrOperationNotFound) {
		kind = "not_found"
	}
	fields := []zap.Field{zap.String("provider_op", pe.Op), zap.String("error_kind", kind)}
	if pe.StatusCode != 0 {
		fields = append(fields, zap.Int("http_status", pe.StatusCode))
	}
	if pe.Status != "" {
		fields = append(fields, zap.String("provider_status", pe.Status))
	}
	return fields
}
