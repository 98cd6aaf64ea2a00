package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TokenLedger owns User.TokenBalance. Every mutation goes through a single
// transaction that row-locks the user, re-checks the balance at write time
// and appends a UsageLedgerEntry, so two concurrent requests from the same
// user can never double-spend. A process-wide write mutex serializes the
// transactions on top of that; SQLite allows one writer anyway.
type TokenLedger struct {
	db      *gorm.DB
	initial int64      // grant for first-seen users, from config
	mu      sync.Mutex // serializes balance-writing transactions
	logger  *zap.Logger
}

// BalanceStats is the read model returned by Stats.
type BalanceStats struct {
	Balance        int64
	TotalPurchased int64
	TotalUsed      int64
}

// ValidationResult reports whether a user can afford a reservation.
type ValidationResult struct {
	Balance    int64
	Sufficient bool
	Shortfall  int64
}

func NewTokenLedger(db *gorm.DB, initialGrant int64, logger *zap.Logger) *TokenLedger {
	return &TokenLedger{db: db, initial: initialGrant, logger: logger}
}

// WriteTx runs fn in a transaction under the ledger's write mutex. The
// generation store uses it so transitions that touch the balance share the
// same serialization as plain debits and credits.
func (l *TokenLedger) WriteTx(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return db.Transaction(fn)
}

// EnsureUser provisions the balance row for a user if it is missing,
// applying the initial grant (possibly zero). Called by the identity
// boundary when a user first authenticates.
func (l *TokenLedger) EnsureUser(userID int64) (*User, error) {
	var out *User
	err := l.WriteTx(l.db, func(tx *gorm.DB) error {
		var user User
		result := tx.Where("id = ?", userID).First(&user)
		if result.Error == nil {
			out = &user
			return nil
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("database error reading user: %w", result.Error)
		}

		user = User{
			ID:                   userID,
			TokenBalance:         l.initial,
			TotalTokensPurchased: l.initial,
		}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("failed to create user balance record: %w", err)
		}
		if l.initial > 0 {
			if err := appendEntry(tx, userID, ActionGranted, l.initial, nil); err != nil {
				return err
			}
		}
		l.logger.Info("Provisioned balance record for new user",
			zap.Int64("user_id", userID), zap.Int64("initial_grant", l.initial))
		out = &user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lockUser fetches the user row FOR UPDATE inside tx, provisioning it with
// the initial grant on first sight. Provisioning writes a "granted" ledger
// entry so the audit log still sums to the balance.
func (l *TokenLedger) lockUser(tx *gorm.DB, userID int64) (*User, error) {
	var user User
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).First(&user)
	if result.Error == nil {
		return &user, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("database error locking user: %w", result.Error)
	}
	if l.initial <= 0 {
		// No first-use grant configured: accounts come from the identity
		// subsystem (or a purchase), an unknown user is an error.
		return nil, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
	}

	user = User{
		ID:                   userID,
		TokenBalance:         l.initial,
		TotalTokensPurchased: l.initial,
	}
	if err := tx.Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user balance record: %w", err)
	}
	if l.initial > 0 {
		if err := appendEntry(tx, userID, ActionGranted, l.initial, nil); err != nil {
			return nil, err
		}
	}
	l.logger.Info("Provisioned balance record for new user",
		zap.Int64("user_id", userID), zap.Int64("initial_grant", l.initial))
	return &user, nil
}

func appendEntry(tx *gorm.DB, userID int64, action LedgerAction, amount int64, generationID *string) error {
	entry := UsageLedgerEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		Action:       action,
		Amount:       amount,
		GenerationID: generationID,
		CreatedAt:    time.Now(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// Validate reads the current balance and reports whether required tokens are
// available. Read-only; the authoritative re-check happens inside Debit.
func (l *TokenLedger) Validate(userID int64, required int64) (*ValidationResult, error) {
	var user User
	result := l.db.Where("id = ?", userID).First(&user)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			if l.initial <= 0 {
				return nil, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
			}
			// Unknown user is treated as owning the initial grant; the row is
			// materialized on the first debit.
			res := &ValidationResult{Balance: l.initial, Sufficient: l.initial >= required}
			if !res.Sufficient {
				res.Shortfall = required - l.initial
			}
			return res, nil
		}
		return nil, fmt.Errorf("database error reading balance: %w", result.Error)
	}

	res := &ValidationResult{Balance: user.TokenBalance, Sufficient: user.TokenBalance >= required}
	if !res.Sufficient {
		res.Shortfall = required - user.TokenBalance
	}
	return res, nil
}

// Debit atomically subtracts amount from the user's balance and appends a
// ledger entry with a negative delta. Returns ErrInsufficientTokens when the
// write-time re-check fails; the balance is left untouched.
func (l *TokenLedger) Debit(userID int64, amount int64, generationID string, action LedgerAction) (int64, error) {
	var newBalance int64
	err := l.WriteTx(l.db, func(tx *gorm.DB) error {
		var err error
		newBalance, err = l.debitTx(tx, userID, amount, generationID, action)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrInsufficientTokens) {
			l.logger.Error("Balance debit transaction failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
		return 0, err
	}
	return newBalance, nil
}

// debitTx is the transactional body of Debit, reused by CreateWithDebit so a
// row insert and its reservation share one transaction.
func (l *TokenLedger) debitTx(tx *gorm.DB, userID int64, amount int64, generationID string, action LedgerAction) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	user, err := l.lockUser(tx, userID)
	if err != nil {
		return 0, err
	}

	if user.TokenBalance < amount {
		return 0, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientTokens, user.TokenBalance, amount)
	}

	newBalance := user.TokenBalance - amount
	updates := map[string]interface{}{
		"token_balance":     newBalance,
		"total_tokens_used": user.TotalTokensUsed + amount,
	}
	if err := tx.Model(&User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
		return 0, fmt.Errorf("failed to update user balance: %w", err)
	}

	genID := generationID
	if err := appendEntry(tx, userID, action, -amount, &genID); err != nil {
		return 0, err
	}

	l.logger.Debug("Debited tokens",
		zap.Int64("user_id", userID), zap.Int64("amount", amount),
		zap.Int64("new_balance", newBalance), zap.String("generation_id", generationID))
	return newBalance, nil
}

// Credit atomically adds amount to the user's balance and appends a ledger
// entry with a positive delta. Refunds, purchases and grants all route
// through here; refunds roll TotalTokensUsed back so the stats stay honest.
func (l *TokenLedger) Credit(userID int64, amount int64, generationID string, action LedgerAction) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var newBalance int64
	err := l.WriteTx(l.db, func(tx *gorm.DB) error {
		var err error
		newBalance, err = l.creditTx(tx, userID, amount, generationID, action)
		return err
	})
	if err != nil {
		l.logger.Error("Balance credit transaction failed",
			zap.Int64("user_id", userID), zap.Error(err))
		return 0, err
	}

	l.logger.Debug("Credited tokens",
		zap.Int64("user_id", userID), zap.Int64("amount", amount),
		zap.Int64("new_balance", newBalance), zap.String("action", string(action)))
	return newBalance, nil
}

// creditTx is the transactional body of Credit, shared with the generation
// store so terminal transitions and their refunds commit together.
func (l *TokenLedger) creditTx(tx *gorm.DB, userID int64, amount int64, generationID string, action LedgerAction) (int64, error) {
	user, err := l.lockUser(tx, userID)
	if err != nil {
		return 0, err
	}

	newBalance := user.TokenBalance + amount
	updates := map[string]interface{}{"token_balance": newBalance}
	switch action {
	case ActionPurchased, ActionGranted:
		updates["total_tokens_purchased"] = user.TotalTokensPurchased + amount
	case ActionFailed, ActionCancelled:
		// Reservation refund: the tokens were never used.
		updates["total_tokens_used"] = user.TotalTokensUsed - amount
	}
	if err := tx.Model(&User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
		return 0, fmt.Errorf("failed to update user balance on credit: %w", err)
	}

	var genID *string
	if generationID != "" {
		genID = &generationID
	}
	if err := appendEntry(tx, userID, action, amount, genID); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Record appends a balance-neutral audit entry (e.g. "completed": the
// reservation was consumed, no delta to apply).
func (l *TokenLedger) Record(tx *gorm.DB, userID int64, action LedgerAction, generationID string) error {
	if tx == nil {
		tx = l.db
	}
	genID := generationID
	return appendEntry(tx, userID, action, 0, &genID)
}

// Stats returns the balance read model for a user. Unknown users report the
// initial grant, matching Validate.
func (l *TokenLedger) Stats(userID int64) (*BalanceStats, error) {
	var user User
	result := l.db.Where("id = ?", userID).First(&user)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			if l.initial <= 0 {
				return nil, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
			}
			return &BalanceStats{Balance: l.initial, TotalPurchased: l.initial}, nil
		}
		return nil, fmt.Errorf("database error reading stats: %w", result.Error)
	}
	return &BalanceStats{
		Balance:        user.TokenBalance,
		TotalPurchased: user.TotalTokensPurchased,
		TotalUsed:      user.TotalTokensUsed,
	}, nil
}

// Entries returns the user's ledger entries, oldest first.
func (l *TokenLedger) Entries(userID int64) ([]UsageLedgerEntry, error) {
	var entries []UsageLedgerEntry
	if err := l.db.Where("user_id = ?", userID).
		Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}
