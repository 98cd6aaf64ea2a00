package storage

import "errors"

// Sentinel errors surfaced by the ledger and the generation store. Callers
// match with errors.Is; messages are for logs, not for dispatch.
var (
	ErrUserNotFound       = errors.New("storage: user not found")
	ErrInsufficientTokens = errors.New("storage: insufficient tokens")
	ErrGenerationNotFound = errors.New("storage: generation not found")

	// ErrInvalidTransition means the guarded status update lost: the row is
	// not in any of the expected predecessor states. It is final for the
	// caller, another actor already moved the generation.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)
