package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

const (
	accountIDValue = "acct-1"
	emailValue     = "user@example.com"
	metadataValue  = "{\"source\":\"test\"}"
)

// stubStore keeps accounts and entries in memory. WithTx serializes callers
// on a mutex, standing in for the row lock a database takes in LockAccount.
type stubStore struct {
	mutex    sync.Mutex
	accounts map[AccountID]Account
	entries  []Entry

	lockAccountError    error
	findReferenceError  error
	insertEntryError    error
	advanceAccountError error
	advanceFailuresLeft int
	listEntriesError    error
	probeMisses         bool
}

func newStubStore(test *testing.T, openingBalance Credits) *stubStore {
	test.Helper()
	accountID := mustAccountID(test, accountIDValue)
	return &stubStore{
		accounts: map[AccountID]Account{
			accountID: {ID: accountID, Email: mustEmail(test, emailValue), CreditBalance: openingBalance},
		},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshotAccounts := make(map[AccountID]Account, len(store.accounts))
	for key, value := range store.accounts {
		snapshotAccounts[key] = value
	}
	snapshotEntries := append([]Entry(nil), store.entries...)
	if err := fn(ctx, &stubTx{store: store}); err != nil {
		store.accounts = snapshotAccounts
		store.entries = snapshotEntries
		return err
	}
	return nil
}

func (store *stubStore) EnsureAccount(ctx context.Context, accountID AccountID, email Email) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTx{store: store}).EnsureAccount(ctx, accountID, email)
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTx{store: store}).GetAccount(ctx, accountID)
}

func (store *stubStore) FindAccountByEmail(ctx context.Context, email Email) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTx{store: store}).FindAccountByEmail(ctx, email)
}

func (store *stubStore) LockAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTx{store: store}).LockAccount(ctx, accountID)
}

func (store *stubStore) FindEntryByReference(ctx context.Context, accountID AccountID, reference Reference) (Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTx{store: store}).FindEntryByReference(ctx, accountID, reference)
}

func (store *stubStore) InsertEntryIfAbsent(ctx context.Context, entryInput EntryInput) (Entry, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTx{store: store}).InsertEntryIfAbsent(ctx, entryInput)
}

func (store *stubStore) AdvanceAccount(ctx context.Context, accountID AccountID, expectedSequence int64, nextSequence int64, balance Credits) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTx{store: store}).AdvanceAccount(ctx, accountID, expectedSequence, nextSequence, balance)
}

func (store *stubStore) LatestEntryByType(ctx context.Context, accountID AccountID, eventType EventType) (Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTx{store: store}).LatestEntryByType(ctx, accountID, eventType)
}

func (store *stubStore) ListEntries(ctx context.Context, accountID AccountID, beforeSequence int64, limit int) ([]Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTx{store: store}).ListEntries(ctx, accountID, beforeSequence, limit)
}

func (store *stubStore) snapshot() (Account, []Entry) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, account := range store.accounts {
		if account.ID.String() == accountIDValue {
			return account, append([]Entry(nil), store.entries...)
		}
	}
	return Account{}, append([]Entry(nil), store.entries...)
}

// stubTx operates on the store while its mutex is held.
type stubTx struct {
	store *stubStore
}

func (transaction *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *stubTx) EnsureAccount(_ context.Context, accountID AccountID, email Email) (Account, error) {
	if account, ok := transaction.store.accounts[accountID]; ok {
		return account, nil
	}
	account := Account{ID: accountID, Email: email}
	transaction.store.accounts[accountID] = account
	return account, nil
}

func (transaction *stubTx) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	account, ok := transaction.store.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (transaction *stubTx) FindAccountByEmail(_ context.Context, email Email) (Account, error) {
	for _, account := range transaction.store.accounts {
		if account.Email == email {
			return account, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (transaction *stubTx) LockAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if transaction.store.lockAccountError != nil {
		return Account{}, transaction.store.lockAccountError
	}
	return transaction.GetAccount(ctx, accountID)
}

func (transaction *stubTx) FindEntryByReference(_ context.Context, accountID AccountID, reference Reference) (Entry, error) {
	if transaction.store.findReferenceError != nil {
		return Entry{}, transaction.store.findReferenceError
	}
	if transaction.store.probeMisses {
		return Entry{}, ErrEntryNotFound
	}
	for _, entry := range transaction.store.entries {
		if entry.AccountID == accountID && entry.Reference == reference {
			return entry, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (transaction *stubTx) InsertEntryIfAbsent(_ context.Context, entryInput EntryInput) (Entry, bool, error) {
	if transaction.store.insertEntryError != nil {
		return Entry{}, false, transaction.store.insertEntryError
	}
	for _, entry := range transaction.store.entries {
		if entry.AccountID == entryInput.AccountID() && entry.Reference == entryInput.Reference() {
			return entry, false, nil
		}
	}
	entry := Entry{
		EntryID:        fmt.Sprintf("entry-%d", len(transaction.store.entries)+1),
		AccountID:      entryInput.AccountID(),
		EventType:      entryInput.EventType(),
		CreditsDelta:   entryInput.CreditsDelta(),
		BalanceAfter:   entryInput.BalanceAfter(),
		Sequence:       entryInput.Sequence(),
		Reference:      entryInput.Reference(),
		Note:           entryInput.Note(),
		Metadata:       entryInput.MetadataJSON(),
		CreatedUnixUTC: entryInput.CreatedUnixUTC(),
	}
	transaction.store.entries = append(transaction.store.entries, entry)
	return entry, true, nil
}

func (transaction *stubTx) AdvanceAccount(_ context.Context, accountID AccountID, expectedSequence int64, nextSequence int64, balance Credits) error {
	if transaction.store.advanceAccountError != nil {
		return transaction.store.advanceAccountError
	}
	if transaction.store.advanceFailuresLeft > 0 {
		transaction.store.advanceFailuresLeft--
		return ErrConcurrentUpdate
	}
	account, ok := transaction.store.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if account.LedgerSequence != expectedSequence {
		return ErrConcurrentUpdate
	}
	account.LedgerSequence = nextSequence
	account.CreditBalance = balance
	transaction.store.accounts[accountID] = account
	return nil
}

func (transaction *stubTx) LatestEntryByType(_ context.Context, accountID AccountID, eventType EventType) (Entry, error) {
	var (
		latest Entry
		found  bool
	)
	for _, entry := range transaction.store.entries {
		if entry.AccountID == accountID && entry.EventType == eventType && (!found || entry.Sequence > latest.Sequence) {
			latest = entry
			found = true
		}
	}
	if !found {
		return Entry{}, ErrEntryNotFound
	}
	return latest, nil
}

func (transaction *stubTx) ListEntries(_ context.Context, accountID AccountID, beforeSequence int64, limit int) ([]Entry, error) {
	if transaction.store.listEntriesError != nil {
		return nil, transaction.store.listEntriesError
	}
	out := make([]Entry, 0)
	for _, entry := range transaction.store.entries {
		if entry.AccountID != accountID {
			continue
		}
		if beforeSequence > 0 && entry.Sequence >= beforeSequence {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(left, right int) bool { return out[left].Sequence > out[right].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// domain helper constructors
func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	value, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustEmail(test *testing.T, raw string) Email {
	test.Helper()
	value, err := NewEmail(raw)
	if err != nil {
		test.Fatalf("email: %v", err)
	}
	return value
}

func mustReference(test *testing.T, raw string) Reference {
	test.Helper()
	value, err := NewReference(raw)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func appendRequest(test *testing.T, eventType EventType, delta CreditsDelta, reference string) AppendRequest {
	test.Helper()
	return AppendRequest{
		AccountID: mustAccountID(test, accountIDValue),
		EventType: eventType,
		Delta:     delta,
		Reference: mustReference(test, reference),
		Note:      NewNote("test", 0),
		Metadata:  mustMetadata(test, metadataValue),
	}
}
