package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorSubjectSchema    = "schema"
	errorCodeAdvance      = "advance"
	errorCodeEnsure       = "ensure"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeLookup       = "lookup"
	errorCodeMigrate      = "migrate"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the accounts and ledger_entries tables.
// Postgres deployments normally use the SQL migrations shipped with pgstore.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&Account{}, &LedgerEntry{}); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) EnsureAccount(ctx context.Context, accountID ledger.AccountID, email ledger.Email) (ledger.Account, error) {
	now := time.Now().UTC()
	model := Account{
		AccountID: accountID.String(),
		Email:     email.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"email":      clause.Expr{SQL: "excluded.email"},
				"updated_at": clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&model).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return store.GetAccount(ctx, accountID)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	return accountResult(model, errorCodeGet, err)
}

func (store *Store) FindAccountByEmail(ctx context.Context, email ledger.Email) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("email = ?", email.String()).
		Order("created_at ASC").
		Take(&model).Error
	return accountResult(model, errorCodeLookup, err)
}

// LockAccount reads the account row with FOR UPDATE. SQLite ignores the
// locking clause and relies on the ledger_sequence compare-and-swap instead.
func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	return accountResult(model, errorCodeLock, err)
}

func (store *Store) FindEntryByReference(ctx context.Context, accountID ledger.AccountID, reference ledger.Reference) (ledger.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND reference = ?", accountID.String(), reference.String()).
		Take(&row).Error
	return entryResult(row, errorCodeLookup, err)
}

// InsertEntryIfAbsent inserts with ON CONFLICT (account_id, reference) DO
// NOTHING. When the reference is taken it returns the stored entry and false.
func (store *Store) InsertEntryIfAbsent(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, bool, error) {
	row := LedgerEntry{
		AccountID:    entryInput.AccountID().String(),
		EventType:    entryInput.EventType().String(),
		CreditsDelta: entryInput.CreditsDelta().Int64(),
		BalanceAfter: entryInput.BalanceAfter().Int64(),
		Sequence:     entryInput.Sequence(),
		Reference:    entryInput.Reference().String(),
		Note:         entryInput.Note().String(),
		Metadata:     datatypesJSON(entryInput.MetadataJSON().String()),
		CreatedAt:    time.Unix(entryInput.CreatedUnixUTC(), 0).UTC(),
	}
	if entryInput.CreatedUnixUTC() == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "reference"}},
			DoNothing: true,
		}).
		Create(&row)
	if isUniqueViolation(result.Error) {
		// The reference conflict is absorbed by DO NOTHING, so a remaining
		// unique violation is another writer taking the same sequence.
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.ErrConcurrentUpdate)
	}
	if result.Error != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		existing, err := store.FindEntryByReference(ctx, entryInput.AccountID(), entryInput.Reference())
		if err != nil {
			return ledger.Entry{}, false, err
		}
		return existing, false, nil
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

// AdvanceAccount moves the cached balance only if ledger_sequence still
// equals expectedSequence.
func (store *Store) AdvanceAccount(ctx context.Context, accountID ledger.AccountID, expectedSequence int64, nextSequence int64, balance ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND ledger_sequence = ?", accountID.String(), expectedSequence).
		Updates(map[string]interface{}{
			"credit_balance":  balance.Int64(),
			"ledger_sequence": nextSequence,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeAdvance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeAdvance, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store *Store) LatestEntryByType(ctx context.Context, accountID ledger.AccountID, eventType ledger.EventType) (ledger.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND event_type = ?", accountID.String(), eventType.String()).
		Order("sequence DESC").
		Take(&row).Error
	return entryResult(row, errorCodeLookup, err)
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeSequence int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String())
	if beforeSequence > 0 {
		query = query.Where("sequence < ?", beforeSequence)
	}
	query = query.Order("sequence DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func accountResult(model Account, code string, err error) (ledger.Account, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func entryResult(row LedgerEntry, code string, err error) (ledger.Entry, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, code, ledger.ErrEntryNotFound)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, code, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func mapAccount(model Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	email, err := ledger.NewEmail(model.Email)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewCredits(model.CreditBalance)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		ID:             accountID,
		Email:          email,
		CreditBalance:  balance,
		LedgerSequence: model.LedgerSequence,
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	eventType, err := ledger.ParseEventType(row.EventType)
	if err != nil {
		return ledger.Entry{}, err
	}
	balanceAfter, err := ledger.NewCredits(row.BalanceAfter)
	if err != nil {
		return ledger.Entry{}, err
	}
	reference, err := ledger.NewReference(row.Reference)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		AccountID:      accountID,
		EventType:      eventType,
		CreditsDelta:   ledger.CreditsDelta(row.CreditsDelta),
		BalanceAfter:   balanceAfter,
		Sequence:       row.Sequence,
		Reference:      reference,
		Note:           ledger.NewNote(row.Note, 0),
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
