package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAccountSequence = "uniq_ledger_entries_account_sequence"
	pgUniqueViolationCode     = "23505"
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectEntry         = "entry"
	errorSubjectTransaction   = "transaction"
	errorCodeAdvance          = "advance"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeEnsure           = "ensure"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeLookup           = "lookup"

	accountColumns = `account_id, email, credit_balance, ledger_sequence`

	entryColumns = `
		entry_id::text,
		account_id,
		event_type,
		credits_delta,
		balance_after,
		sequence,
		reference,
		note,
		coalesce(metadata::text,'{}'),
		extract(epoch from created_at)::bigint
	`

	sqlEnsureAccount = `
		insert into accounts(account_id, email) values($1, $2)
		on conflict (account_id) do update set email = excluded.email, updated_at = now()
		returning ` + accountColumns

	sqlSelectAccount = `select ` + accountColumns + ` from accounts where account_id = $1`

	sqlSelectAccountByEmail = `select ` + accountColumns + ` from accounts where email = $1 order by created_at asc limit 1`

	sqlLockAccount = `select ` + accountColumns + ` from accounts where account_id = $1 for update`

	sqlSelectEntryByReference = `select ` + entryColumns + ` from ledger_entries where account_id = $1 and reference = $2`

	sqlInsertEntryIfAbsent = `
		insert into ledger_entries(
			entry_id, account_id, event_type, credits_delta, balance_after, sequence, reference, note, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
		on conflict (account_id, reference) do nothing
		returning ` + entryColumns

	sqlAdvanceAccount = `
		update accounts
		set credit_balance = $4, ledger_sequence = $3, updated_at = now()
		where account_id = $1 and ledger_sequence = $2
	`

	sqlLatestEntryByType = `
		select ` + entryColumns + `
		from ledger_entries
		where account_id = $1 and event_type = $2
		order by sequence desc
		limit 1
	`

	sqlListEntries = `
		select ` + entryColumns + `
		from ledger_entries
		where account_id = $1 and ($2::bigint = 0 or sequence < $2::bigint)
		order by sequence desc
		limit nullif($3::int, 0)
	`
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is a Querier that can open transactions.
type Pool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
	_ Pool    = (*pgxpool.Pool)(nil)

	_ ledger.Store = (*Store)(nil)
	_ ledger.Store = (*TxStore)(nil)
)

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool Pool) *Store {
	return &Store{queries: queries{querier: pool}, pool: pool}
}

// WithTx runs fn in a transaction, rolling back when fn fails.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &TxStore{queries: queries{querier: tx}}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

// queries holds the statements shared by Store and TxStore.
type queries struct {
	querier Querier
}

func (q queries) EnsureAccount(ctx context.Context, accountID ledger.AccountID, email ledger.Email) (ledger.Account, error) {
	return scanAccount(q.querier.QueryRow(ctx, sqlEnsureAccount, accountID.String(), email.String()), errorCodeEnsure)
}

func (q queries) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return scanAccount(q.querier.QueryRow(ctx, sqlSelectAccount, accountID.String()), errorCodeGet)
}

func (q queries) FindAccountByEmail(ctx context.Context, email ledger.Email) (ledger.Account, error) {
	return scanAccount(q.querier.QueryRow(ctx, sqlSelectAccountByEmail, email.String()), errorCodeLookup)
}

func (q queries) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return scanAccount(q.querier.QueryRow(ctx, sqlLockAccount, accountID.String()), errorCodeLock)
}

func (q queries) FindEntryByReference(ctx context.Context, accountID ledger.AccountID, reference ledger.Reference) (ledger.Entry, error) {
	return scanSingleEntry(q.querier.QueryRow(ctx, sqlSelectEntryByReference, accountID.String(), reference.String()), errorCodeLookup)
}

// InsertEntryIfAbsent relies on ON CONFLICT DO NOTHING RETURNING: no
// returned row means the reference is taken, so the stored entry is read back.
func (q queries) InsertEntryIfAbsent(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, bool, error) {
	row := q.querier.QueryRow(ctx, sqlInsertEntryIfAbsent,
		entryInput.AccountID().String(),
		entryInput.EventType().String(),
		entryInput.CreditsDelta().Int64(),
		entryInput.BalanceAfter().Int64(),
		entryInput.Sequence(),
		entryInput.Reference().String(),
		entryInput.Note().String(),
		entryInput.MetadataJSON().String(),
		entryInput.CreatedUnixUTC(),
	)
	entry, err := scanEntry(row)
	if err == nil {
		return entry, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := q.FindEntryByReference(ctx, entryInput.AccountID(), entryInput.Reference())
		if lookupErr != nil {
			return ledger.Entry{}, false, lookupErr
		}
		return existing, false, nil
	}
	if isSequenceConflict(err) {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.ErrConcurrentUpdate)
	}
	return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
}

func (q queries) AdvanceAccount(ctx context.Context, accountID ledger.AccountID, expectedSequence int64, nextSequence int64, balance ledger.Credits) error {
	tag, err := q.querier.Exec(ctx, sqlAdvanceAccount, accountID.String(), expectedSequence, nextSequence, balance.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeAdvance, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeAdvance, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (q queries) LatestEntryByType(ctx context.Context, accountID ledger.AccountID, eventType ledger.EventType) (ledger.Entry, error) {
	return scanSingleEntry(q.querier.QueryRow(ctx, sqlLatestEntryByType, accountID.String(), eventType.String()), errorCodeLookup)
}

func (q queries) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeSequence int64, limit int) ([]ledger.Entry, error) {
	rows, err := q.querier.Query(ctx, sqlListEntries, accountID.String(), beforeSequence, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]ledger.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func scanAccount(row pgx.Row, code string) (ledger.Account, error) {
	var (
		accountValue string
		emailValue   string
		balanceValue int64
		sequence     int64
	)
	if err := row.Scan(&accountValue, &emailValue, &balanceValue, &sequence); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	accountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	email, err := ledger.NewEmail(emailValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := ledger.NewCredits(balanceValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{ID: accountID, Email: email, CreditBalance: balance, LedgerSequence: sequence}, nil
}

func scanSingleEntry(row pgx.Row, code string) (ledger.Entry, error) {
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, code, ledger.ErrEntryNotFound)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, code, err)
	}
	return entry, nil
}

// scanEntry returns the raw Scan error so callers can test for pgx.ErrNoRows.
func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		entryID      string
		accountValue string
		eventValue   string
		deltaValue   int64
		balanceValue int64
		sequence     int64
		referenceRaw string
		noteValue    string
		metadataRaw  string
		createdUnix  int64
	)
	if err := row.Scan(&entryID, &accountValue, &eventValue, &deltaValue, &balanceValue, &sequence, &referenceRaw, &noteValue, &metadataRaw, &createdUnix); err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	eventType, err := ledger.ParseEventType(eventValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	balanceAfter, err := ledger.NewCredits(balanceValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	reference, err := ledger.NewReference(referenceRaw)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataRaw)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        entryID,
		AccountID:      accountID,
		EventType:      eventType,
		CreditsDelta:   ledger.CreditsDelta(deltaValue),
		BalanceAfter:   balanceAfter,
		Sequence:       sequence,
		Reference:      reference,
		Note:           ledger.NewNote(noteValue, 0),
		Metadata:       metadata,
		CreatedUnixUTC: createdUnix,
	}, nil
}

func isSequenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountSequence
	}
	return false
}
