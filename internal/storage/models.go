package storage

import (
	"time"
)

// GenerationStatus is the closed set of lifecycle states for a generation.
// Transitions are enforced by GenerationStore.Transition; nothing else may
// write the status column.
type GenerationStatus string

const (
	StatusPending    GenerationStatus = "pending"
	StatusProcessing GenerationStatus = "processing"
	StatusUploading  GenerationStatus = "uploading"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
	StatusCancelled  GenerationStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted out of s.
func (s GenerationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s GenerationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusUploading,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// predecessors maps each status to the statuses it may be entered from.
var predecessors = map[GenerationStatus][]GenerationStatus{
	StatusProcessing: {StatusPending},
	StatusUploading:  {StatusProcessing},
	StatusCompleted:  {StatusProcessing, StatusUploading},
	StatusFailed:     {StatusPending, StatusProcessing, StatusUploading},
	StatusCancelled:  {StatusPending, StatusProcessing},
}

// Predecessors returns the statuses from which s may be entered.
func Predecessors(s GenerationStatus) []GenerationStatus {
	return predecessors[s]
}

// LedgerAction classifies a usage ledger entry.
type LedgerAction string

const (
	ActionStarted   LedgerAction = "started"
	ActionCompleted LedgerAction = "completed"
	ActionFailed    LedgerAction = "failed"
	ActionCancelled LedgerAction = "cancelled"
	ActionPurchased LedgerAction = "purchased"
	ActionGranted   LedgerAction = "granted"
)

// User holds the prepaid token account for one user. The identity subsystem
// owns everything else about a user; this table only exists to meter tokens.
// TokenBalance is mutated exclusively by TokenLedger.
type User struct {
	ID                   int64 `gorm:"primaryKey"`
	TokenBalance         int64 `gorm:"not null;check:token_balance >= 0"`
	TotalTokensPurchased int64 `gorm:"not null"`
	TotalTokensUsed      int64 `gorm:"not null"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Generation is one requested image-generation job. Rows are never deleted;
// a retry creates a new row, the failed original stays as history.
type Generation struct {
	ID             string           `gorm:"primaryKey;size:36"`
	UserID         int64            `gorm:"not null;index"`
	Status         GenerationStatus `gorm:"not null;index;size:16"`
	Prompt         string           `gorm:"not null"`
	Parameters     string           `gorm:"not null"` // JSON-encoded generation parameters
	RequestHash    string           `gorm:"size:32;index"`
	TokensReserved int64            `gorm:"not null"`
	TokensUsed     int64            `gorm:"not null"`
	RetryCount     int              `gorm:"not null"`
	Error          string
	ResultRefs     string // JSON-encoded list of output references
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// UsageLedgerEntry is the append-only audit record for every balance change.
// Amount is the signed token delta: negative for debits, positive for credits.
type UsageLedgerEntry struct {
	ID           string       `gorm:"primaryKey;size:36"`
	UserID       int64        `gorm:"not null;index"`
	Action       LedgerAction `gorm:"not null;size:16"`
	Amount       int64        `gorm:"not null"`
	GenerationID *string      `gorm:"size:36;index"`
	CreatedAt    time.Time
}
