package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance mirrors the credit_balances table.
type CreditBalance struct {
	ScopeKind         string    `gorm:"primaryKey"`
	ScopeID           string    `gorm:"primaryKey"`
	SecondsRemaining  int64     `gorm:"not null"`
	CapSeconds        int64     `gorm:"not null"`
	LastWeeklyResetAt time.Time `gorm:"not null"`
	Migrated          bool      `gorm:"not null;default:false"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	ScopeKind      string         `gorm:"not null;index:idx_ledger_scope_created,priority:1;index:uniq_entry_idem,unique,priority:1"`
	ScopeID        string         `gorm:"not null;index:idx_ledger_scope_created,priority:2;index:uniq_entry_idem,unique,priority:2"`
	Type           string         `gorm:"not null"`
	Seconds        int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	SessionID      *string        `gorm:"index"`
	IdempotencyKey string         `gorm:"not null;index:uniq_entry_idem,unique,priority:3"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_scope_created,priority:3"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CreditBalance{}, &LedgerEntry{})
}
