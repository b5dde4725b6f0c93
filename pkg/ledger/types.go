package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AccountID identifies an account. It is the identity provider's subject.
type AccountID struct {
	value string
}

// Email is a normalized (trimmed, lowercase) account email.
type Email struct {
	value string
}

// Reference is the idempotency key of a ledger entry. It names the
// real-world event that produced the entry.
type Reference struct {
	value string
}

// Note is optional free text attached to an entry.
type Note struct {
	value string
}

// MetadataJSON stores arbitrary structured context for an entry.
type MetadataJSON struct {
	value string
}

// CreditsDelta is a signed credit movement.
type CreditsDelta int64

// Credits is a non-negative credit balance.
type Credits int64

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewEmail validates and normalizes an email address.
func NewEmail(raw string) (Email, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Email{}, fmt.Errorf("%w: empty value", ErrInvalidEmail)
	}
	if !strings.Contains(normalized, "@") {
		return Email{}, fmt.Errorf("%w: missing @", ErrInvalidEmail)
	}
	return Email{value: normalized}, nil
}

// String returns the normalized address.
func (email Email) String() string {
	return email.value
}

// IsZero reports whether the email was never set.
func (email Email) IsZero() bool {
	return email.value == ""
}

// NewReference validates a reference string.
func NewReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	if len(trimmed) > maxReferenceLength {
		return Reference{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidReference, maxReferenceLength)
	}
	return Reference{value: trimmed}, nil
}

// String returns the reference.
func (reference Reference) String() string {
	return reference.value
}

// NewNote trims a note and truncates it to maxLength runes. A non-positive
// maxLength disables truncation.
func NewNote(raw string, maxLength int) Note {
	trimmed := strings.TrimSpace(raw)
	if maxLength > 0 {
		runes := []rune(trimmed)
		if len(runes) > maxLength {
			trimmed = string(runes[:maxLength])
		}
	}
	return Note{value: trimmed}
}

// String returns the note text.
func (note Note) String() string {
	return note.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a flat map into MetadataJSON.
func MetadataFromMap(values map[string]string) MetadataJSON {
	if len(values) == 0 {
		return MetadataJSON{value: defaultMetadataJSON}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{value: defaultMetadataJSON}
	}
	return MetadataJSON{value: string(raw)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// Int64 returns the raw delta.
func (delta CreditsDelta) Int64() int64 {
	return int64(delta)
}

// NewCredits validates a balance and ensures it is not negative.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return Credits(raw), nil
}

// Int64 returns the raw balance.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// EventType enumerates ledger entry kinds.
type EventType string

const (
	EventCreditPackPurchase    EventType = "credit_pack_purchase"
	EventAdminAdjustment       EventType = "admin_adjustment"
	EventAdminRefundCreditPack EventType = "admin_refund_credit_pack"
	EventAdminRefundMarker     EventType = "admin_refund_marker"
	EventInPersonScanCompleted EventType = "in_person_scan_completed"
	EventAdminRefund           EventType = "admin_refund"
)

// ParseEventType validates a stored event type.
func ParseEventType(raw string) (EventType, error) {
	switch EventType(strings.TrimSpace(raw)) {
	case EventCreditPackPurchase:
		return EventCreditPackPurchase, nil
	case EventAdminAdjustment:
		return EventAdminAdjustment, nil
	case EventAdminRefundCreditPack:
		return EventAdminRefundCreditPack, nil
	case EventAdminRefundMarker:
		return EventAdminRefundMarker, nil
	case EventInPersonScanCompleted:
		return EventInPersonScanCompleted, nil
	case EventAdminRefund:
		return EventAdminRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
	}
}

// String returns the stored representation.
func (eventType EventType) String() string {
	return string(eventType)
}

// AllowsZeroDelta reports whether entries of this type may carry no credits.
func (eventType EventType) AllowsZeroDelta() bool {
	return eventType == EventAdminRefundMarker
}

// Account is the projection of an identity onto the ledger.
type Account struct {
	ID             AccountID
	Email          Email
	CreditBalance  Credits
	LedgerSequence int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	AccountID      AccountID
	EventType      EventType
	CreditsDelta   CreditsDelta
	BalanceAfter   Credits
	Sequence       int64
	Reference      Reference
	Note           Note
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// EntryInput is a validated request to write one entry.
type EntryInput struct {
	accountID      AccountID
	eventType      EventType
	creditsDelta   CreditsDelta
	balanceAfter   Credits
	sequence       int64
	reference      Reference
	note           Note
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewEntryInput validates the fields of an entry that is about to be written.
func NewEntryInput(accountID AccountID, eventType EventType, delta CreditsDelta, balanceAfter Credits, sequence int64, reference Reference, note Note, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if accountID.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseEventType(eventType.String()); err != nil {
		return EntryInput{}, err
	}
	if delta == 0 && !eventType.AllowsZeroDelta() {
		return EntryInput{}, fmt.Errorf("%w: %s requires a nonzero delta", ErrInvalidCreditsDelta, eventType)
	}
	if delta != 0 && eventType.AllowsZeroDelta() {
		return EntryInput{}, fmt.Errorf("%w: %s must not move credits", ErrInvalidCreditsDelta, eventType)
	}
	if balanceAfter < 0 {
		return EntryInput{}, fmt.Errorf("%w: balance after is negative", ErrInvalidBalance)
	}
	if sequence <= 0 {
		return EntryInput{}, fmt.Errorf("%w: sequence must be positive", ErrInvalidSequence)
	}
	if reference.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	return EntryInput{
		accountID:      accountID,
		eventType:      eventType,
		creditsDelta:   delta,
		balanceAfter:   balanceAfter,
		sequence:       sequence,
		reference:      reference,
		note:           note,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

func (input EntryInput) AccountID() AccountID       { return input.accountID }
func (input EntryInput) EventType() EventType       { return input.eventType }
func (input EntryInput) CreditsDelta() CreditsDelta { return input.creditsDelta }
func (input EntryInput) BalanceAfter() Credits      { return input.balanceAfter }
func (input EntryInput) Sequence() int64            { return input.sequence }
func (input EntryInput) Reference() Reference       { return input.reference }
func (input EntryInput) Note() Note                 { return input.note }
func (input EntryInput) MetadataJSON() MetadataJSON { return input.metadata }
func (input EntryInput) CreatedUnixUTC() int64      { return input.createdUnixUTC }

// AppendRequest describes one call to Service.AppendEntry.
type AppendRequest struct {
	AccountID AccountID
	EventType EventType
	Delta     CreditsDelta
	Reference Reference
	Note      Note
	Metadata  MetadataJSON
}

// AppendResult is the outcome of AppendEntry. Replayed is true when the
// reference had already been written and Entry is that earlier entry.
type AppendResult struct {
	Entry    Entry
	Replayed bool
}

// Balance view for an account.
type Balance struct {
	AccountID AccountID
	Credits   Credits
}

// Store is the persistence contract used by Service.
//
// Only Service.AppendEntry may call InsertEntryIfAbsent and AdvanceAccount;
// those two calls are the sole writers of entries and of the cached balance.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, accountID AccountID, email Email) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	FindAccountByEmail(ctx context.Context, email Email) (Account, error)
	LockAccount(ctx context.Context, accountID AccountID) (Account, error)
	FindEntryByReference(ctx context.Context, accountID AccountID, reference Reference) (Entry, error)
	InsertEntryIfAbsent(ctx context.Context, entryInput EntryInput) (Entry, bool, error)
	AdvanceAccount(ctx context.Context, accountID AccountID, expectedSequence int64, nextSequence int64, balance Credits) error
	LatestEntryByType(ctx context.Context, accountID AccountID, eventType EventType) (Entry, error)
	ListEntries(ctx context.Context, accountID AccountID, beforeSequence int64, limit int) ([]Entry, error)
}
