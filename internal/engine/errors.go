package engine

import (
	"errors"

	"github.com/pixelforge/pixelforge/internal/storage"
)

// Engine-level sentinel errors. Storage-level ones (not found, insufficient
// tokens, invalid transition) are re-exported so callers only import one
// package to dispatch on the full taxonomy.
var (
	ErrRateLimitExceeded = errors.New("engine: rate limit exceeded")
	ErrQueueFull         = errors.New("engine: admission queue full")
	ErrAlreadyQueued     = errors.New("engine: generation already queued")
	ErrUnauthorized      = errors.New("engine: requester does not own this generation")
	ErrValidation        = errors.New("engine: invalid request parameters")

	ErrInsufficientTokens = storage.ErrInsufficientTokens
	ErrUserNotFound       = storage.ErrUserNotFound
	ErrGenerationNotFound = storage.ErrGenerationNotFound
	ErrInvalidTransition  = storage.ErrInvalidTransition
)
