package engine

import (
	"math/rand"
	"time"

	"github.com/pixelforge/pixelforge/pkg/genapi"
)

// RetryPolicy decides whether a failed provider call is attempted again and
// how long to wait first. It is a pure decision function: the admission
// queue's unit of work owns the actual sleeping.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another.
// Only transient provider failures qualify; validation, authorization and
// provider-fatal errors never do.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return genapi.IsRetryable(err)
}

// NextDelay returns base * 2^(attempt-1) plus uniform jitter up to 10%.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}
