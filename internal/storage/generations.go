package storage

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GenerationStore persists Generation rows. Status changes go exclusively
// through Transition, whose WHERE clause is the compare-and-swap guard that
// serializes racing callers.
type GenerationStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGenerationStore(db *gorm.DB, logger *zap.Logger) *GenerationStore {
	return &GenerationStore{db: db, logger: logger}
}

// CreateWithDebit inserts a pending generation and debits the reservation in
// one transaction: either the row exists and the tokens are held, or neither.
func (s *GenerationStore) CreateWithDebit(ledger *TokenLedger, gen *Generation) (newBalance int64, err error) {
	err = ledger.WriteTx(s.db, func(tx *gorm.DB) error {
		var txErr error
		newBalance, txErr = ledger.debitTx(tx, gen.UserID, gen.TokensReserved, gen.ID, ActionStarted)
		if txErr != nil {
			return txErr
		}
		if txErr = tx.Create(gen).Error; txErr != nil {
			return fmt.Errorf("failed to insert generation: %w", txErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("Created generation",
		zap.String("generation_id", gen.ID), zap.Int64("user_id", gen.UserID),
		zap.Int64("tokens_reserved", gen.TokensReserved), zap.Int("retry_count", gen.RetryCount))
	return newBalance, nil
}

// Get fetches a generation by id.
func (s *GenerationStore) Get(id string) (*Generation, error) {
	var gen Generation
	result := s.db.Where("id = ?", id).First(&gen)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %s", ErrGenerationNotFound, id)
		}
		return nil, fmt.Errorf("database error reading generation: %w", result.Error)
	}
	return &gen, nil
}

// Transition moves a generation from one of the expected statuses to the
// target status, applying extra column updates in the same guarded write.
// RowsAffected 0 means some other caller transitioned first (or the id does
// not exist); the distinction is resolved with one follow-up read. On an
// ErrInvalidTransition the current row is returned alongside the error so
// callers can implement idempotent no-ops.
func (s *GenerationStore) Transition(id string, from []GenerationStatus, to GenerationStatus, updates map[string]interface{}) (*Generation, error) {
	var gen *Generation
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		gen, txErr = s.transitionIn(tx, id, from, to, updates)
		return txErr
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// The guarded update lost; report the state that won.
			current, getErr := s.Get(id)
			if getErr != nil {
				return nil, getErr
			}
			return current, err
		}
		return nil, err
	}
	return gen, nil
}

// transitionIn is the guarded status write, usable inside a caller-owned
// transaction.
func (s *GenerationStore) transitionIn(tx *gorm.DB, id string, from []GenerationStatus, to GenerationStatus, updates map[string]interface{}) (*Generation, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to

	result := tx.Model(&Generation{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("database error on status transition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s not in %v", ErrInvalidTransition, id, from)
	}

	var gen Generation
	if err := tx.Where("id = ?", id).First(&gen).Error; err != nil {
		return nil, fmt.Errorf("database error reading generation after transition: %w", err)
	}

	s.logger.Debug("Generation transitioned",
		zap.String("generation_id", id), zap.String("to", string(to)))
	return &gen, nil
}

// Complete finalizes a successful generation: guarded transition to
// completed, tokensUsed consumed, result references stored, plus the
// balance-neutral "completed" audit entry, all in one transaction.
func (s *GenerationStore) Complete(ledger *TokenLedger, id string, resultRefs string, reserved int64) (*Generation, error) {
	var gen *Generation
	err := ledger.WriteTx(s.db, func(tx *gorm.DB) error {
		now := time.Now()
		var txErr error
		gen, txErr = s.transitionIn(tx, id,
			[]GenerationStatus{StatusProcessing, StatusUploading}, StatusCompleted,
			map[string]interface{}{
				"completed_at": &now,
				"tokens_used":  reserved,
				"result_refs":  resultRefs,
			})
		if txErr != nil {
			return txErr
		}
		return ledger.Record(tx, gen.UserID, ActionCompleted, id)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			current, getErr := s.Get(id)
			if getErr != nil {
				return nil, getErr
			}
			return current, err
		}
		return nil, err
	}
	return gen, nil
}

// Terminate moves a generation to failed or cancelled and refunds the
// reservation, committing both or neither. The refund amount is read from
// the row inside the transaction so a racing double-terminate can never
// refund twice: the CAS guard fails first.
func (s *GenerationStore) Terminate(ledger *TokenLedger, id string, from []GenerationStatus, to GenerationStatus, errMsg string) (*Generation, error) {
	action := ActionFailed
	if to == StatusCancelled {
		action = ActionCancelled
	}

	var gen *Generation
	err := ledger.WriteTx(s.db, func(tx *gorm.DB) error {
		now := time.Now()
		var txErr error
		gen, txErr = s.transitionIn(tx, id, from, to,
			map[string]interface{}{
				"completed_at": &now,
				"tokens_used":  0,
				"error":        errMsg,
			})
		if txErr != nil {
			return txErr
		}
		if gen.TokensReserved > 0 {
			if _, txErr = ledger.creditTx(tx, gen.UserID, gen.TokensReserved, id, action); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			current, getErr := s.Get(id)
			if getErr != nil {
				return nil, getErr
			}
			return current, err
		}
		return nil, err
	}
	return gen, nil
}

// ListStuck returns non-terminal generations created before the cutoff,
// oldest first. Used by the reconciliation sweep.
func (s *GenerationStore) ListStuck(cutoff time.Time) ([]Generation, error) {
	var gens []Generation
	err := s.db.Where("status IN ? AND created_at < ?",
		[]GenerationStatus{StatusPending, StatusProcessing, StatusUploading}, cutoff).
		Order("created_at ASC").Find(&gens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck generations: %w", err)
	}
	return gens, nil
}

// ListByUser returns a user's generations, newest first.
func (s *GenerationStore) ListByUser(userID int64, limit int) ([]Generation, error) {
	var gens []Generation
	q := s.db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&gens).Error; err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	return gens, nil
}
