package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. CreditBalance is a cache of the
// newest entry's BalanceAfter and LedgerSequence is that entry's sequence.
type Account struct {
	AccountID      string    `gorm:"primaryKey"`
	Email          string    `gorm:"not null;index:idx_accounts_email"`
	CreditBalance  int64     `gorm:"not null;default:0;check:chk_accounts_credit_balance,credit_balance >= 0"`
	LedgerSequence int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID      string         `gorm:"type:uuid;primaryKey"`
	AccountID    string         `gorm:"not null;index:uniq_ledger_entries_account_reference,unique,priority:1;index:uniq_ledger_entries_account_sequence,unique,priority:1"`
	EventType    string         `gorm:"not null;index:idx_ledger_entries_event_type"`
	CreditsDelta int64          `gorm:"not null"`
	BalanceAfter int64          `gorm:"not null"`
	Sequence     int64          `gorm:"not null;index:uniq_ledger_entries_account_sequence,unique,priority:2"`
	Reference    string         `gorm:"not null;index:uniq_ledger_entries_account_reference,unique,priority:2"`
	Note         string         `gorm:"not null;default:''"`
	Metadata     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time      `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
