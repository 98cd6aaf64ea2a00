package genapi

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ProviderError carries the classification of a failed provider call.
// Retryable is decided here, at the call site, from the transport error or
// HTTP status; downstream policy code never inspects message text.
type ProviderError struct {
	Err        error
	StatusCode int  // 0 for transport-level failures
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d, retryable=%t): %v", e.StatusCode, e.Retryable, e.Err)
	}
	return fmt.Sprintf("provider error (retryable=%t): %v", e.Retryable, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a provider failure worth retrying:
// timeouts, provider rate limiting and 5xx-class responses. Everything else
// (validation, malformed input, authorization) is fatal.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// classifyHTTP wraps an HTTP-level failure.
func classifyHTTP(statusCode int, err error) *ProviderError {
	retryable := statusCode == 408 || statusCode == 429 || statusCode >= 500
	return &ProviderError{Err: err, StatusCode: statusCode, Retryable: retryable}
}

// classifyTransport wraps a failure that happened before any HTTP status was
// received. Timeouts count as transient; a cancelled context does not, the
// caller gave up on purpose.
func classifyTransport(err error) *ProviderError {
	retryable := false
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		retryable = true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		retryable = true
	}
	return &ProviderError{Err: err, Retryable: retryable}
}
