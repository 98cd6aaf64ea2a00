package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pixelforge/pixelforge/internal/storage"
)

// Lifecycle owns the generation state machine. Every transition is a guarded
// write against the store; ledger effects (reserve on create, refund on
// terminal failure) commit in the same transaction as the transition.
type Lifecycle struct {
	store  *storage.GenerationStore
	ledger *storage.TokenLedger
	logger *zap.Logger
}

func NewLifecycle(store *storage.GenerationStore, ledger *storage.TokenLedger, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{store: store, ledger: ledger, logger: logger}
}

// Create validates the balance, then debits the reservation and inserts the
// pending row as one transaction. Either both happen or neither.
func (lc *Lifecycle) Create(userID int64, prompt, paramsJSON, requestHash string, cost int64, retryCount int) (*storage.Generation, error) {
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt must not be empty", ErrValidation)
	}
	if cost <= 0 {
		return nil, fmt.Errorf("%w: cost must be positive", ErrValidation)
	}

	// Fast pre-check; the authoritative re-check happens at debit time
	// inside the create transaction.
	validation, err := lc.ledger.Validate(userID, cost)
	if err != nil {
		return nil, err
	}
	if !validation.Sufficient {
		return nil, fmt.Errorf("%w: balance %d, need %d (short %d)",
			ErrInsufficientTokens, validation.Balance, cost, validation.Shortfall)
	}

	gen := &storage.Generation{
		ID:             uuid.New().String(),
		UserID:         userID,
		Status:         storage.StatusPending,
		Prompt:         prompt,
		Parameters:     paramsJSON,
		RequestHash:    requestHash,
		TokensReserved: cost,
		RetryCount:     retryCount,
	}
	if _, err := lc.store.CreateWithDebit(lc.ledger, gen); err != nil {
		return nil, err
	}
	return gen, nil
}

// Advance moves a generation to processing or uploading. No ledger effect.
func (lc *Lifecycle) Advance(id string, to storage.GenerationStatus) (*storage.Generation, error) {
	if to != storage.StatusProcessing && to != storage.StatusUploading {
		return nil, fmt.Errorf("%w: cannot advance to %s", ErrValidation, to)
	}
	return lc.store.Transition(id, storage.Predecessors(to), to, nil)
}

// Complete finalizes a successful generation and stores its result
// references. Calling it again on an already-completed generation is a
// no-op, so duplicate provider callbacks are harmless.
func (lc *Lifecycle) Complete(id string, resultRefs []string) (*storage.Generation, error) {
	refsJSON, err := json.Marshal(resultRefs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result refs: %w", err)
	}

	gen, err := lc.store.Get(id)
	if err != nil {
		return nil, err
	}

	updated, err := lc.store.Complete(lc.ledger, id, string(refsJSON), gen.TokensReserved)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) && updated != nil && updated.Status == storage.StatusCompleted {
			lc.logger.Debug("Duplicate complete ignored", zap.String("generation_id", id))
			return updated, nil
		}
		return updated, err
	}

	lc.logger.Info("Generation completed",
		zap.String("generation_id", id), zap.Int64("tokens_used", updated.TokensUsed))
	return updated, nil
}

// Fail terminates a generation from any non-terminal state and refunds the
// reservation. Losing the transition race surfaces ErrInvalidTransition; the
// winner already settled the row.
func (lc *Lifecycle) Fail(id string, errMsg string) (*storage.Generation, error) {
	gen, err := lc.store.Terminate(lc.ledger, id,
		storage.Predecessors(storage.StatusFailed), storage.StatusFailed, errMsg)
	if err != nil {
		return gen, err
	}

	lc.logger.Info("Generation failed, reservation refunded",
		zap.String("generation_id", id), zap.Int64("refund", gen.TokensReserved),
		zap.String("error", errMsg))
	return gen, nil
}

// Cancel terminates a pending or processing generation at its owner's
// request and refunds the reservation. Cancelling an already-cancelled
// generation is a no-op; a completed or failed one is an invalid transition.
func (lc *Lifecycle) Cancel(id string, requesterID int64) (*storage.Generation, error) {
	gen, err := lc.store.Get(id)
	if err != nil {
		return nil, err
	}
	if gen.UserID != requesterID {
		return nil, fmt.Errorf("%w: generation %s", ErrUnauthorized, id)
	}

	updated, err := lc.store.Terminate(lc.ledger, id,
		storage.Predecessors(storage.StatusCancelled), storage.StatusCancelled, "")
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) && updated != nil && updated.Status == storage.StatusCancelled {
			return updated, nil
		}
		return updated, err
	}

	lc.logger.Info("Generation cancelled",
		zap.String("generation_id", id), zap.Int64("user_id", requesterID))
	return updated, nil
}

// Retry creates a fresh generation from a failed one: same prompt and
// parameters, same reserved cost, retry count bumped. The failed original is
// left untouched as history. The balance is re-validated for the new
// reservation.
func (lc *Lifecycle) Retry(id string, requesterID int64) (*storage.Generation, error) {
	gen, err := lc.store.Get(id)
	if err != nil {
		return nil, err
	}
	if gen.UserID != requesterID {
		return nil, fmt.Errorf("%w: generation %s", ErrUnauthorized, id)
	}
	if gen.Status != storage.StatusFailed {
		return nil, fmt.Errorf("%w: can only retry a failed generation, %s is %s",
			ErrInvalidTransition, id, gen.Status)
	}

	return lc.Create(gen.UserID, gen.Prompt, gen.Parameters, gen.RequestHash,
		gen.TokensReserved, gen.RetryCount+1)
}

// Get reads a generation from the store.
func (lc *Lifecycle) Get(id string) (*storage.Generation, error) {
	return lc.store.Get(id)
}

// List returns a user's generations, newest first.
func (lc *Lifecycle) List(userID int64, limit int) ([]storage.Generation, error) {
	return lc.store.ListByUser(userID, limit)
}
