package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
)

// Service contains the domain logic over a Store.
type Service struct {
	store          Store
	nowFn          func() int64
	logger         OperationLogger
	appendAttempts uint
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, appendAttempts: appendMaxAttempts}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AppendEntry is the only writer of ledger entries and of the cached account
// balance. Within one transaction it locks the account, probes the reference,
// rejects debits that would leave the balance negative, inserts the entry if
// its reference is still free and advances the account.
//
// A reference that was already written is not an error: the stored entry is
// returned with Replayed set.
func (service *Service) AppendEntry(ctx context.Context, request AppendRequest) (AppendResult, error) {
	if err := validateAppendRequest(request); err != nil {
		service.logAppend(ctx, request, AppendResult{}, err)
		return AppendResult{}, err
	}
	result, operationError := backoff.Retry(ctx, func() (AppendResult, error) {
		result, err := service.appendOnce(ctx, request)
		if err != nil && !errors.Is(err, ErrConcurrentUpdate) {
			return AppendResult{}, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(newAppendBackOff()), backoff.WithMaxTries(service.appendAttempts))
	if errors.Is(operationError, ErrConcurrentUpdate) {
		operationError = WrapError(errorOperationService, errorSubjectAppend, errorCodeContention, operationError)
	}
	service.logAppend(ctx, request, result, operationError)
	if operationError != nil {
		return AppendResult{}, operationError
	}
	return result, nil
}

func (service *Service) appendOnce(ctx context.Context, request AppendRequest) (AppendResult, error) {
	var result AppendResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, request.AccountID)
		if err != nil {
			return err
		}
		existing, err := transactionStore.FindEntryByReference(ctx, account.ID, request.Reference)
		if err == nil {
			result = AppendResult{Entry: existing, Replayed: true}
			return nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		next := account.CreditBalance.Int64() + request.Delta.Int64()
		if request.Delta < 0 && next < 0 {
			return WrapError(errorOperationService, errorSubjectBalance, errorCodeInsufficient, ErrInsufficientCredits)
		}
		balanceAfter, err := NewCredits(next)
		if err != nil {
			return WrapError(errorOperationService, errorSubjectBalance, errorCodeInvalid, err)
		}
		nextSequence := account.LedgerSequence + 1
		entryInput, err := NewEntryInput(
			account.ID,
			request.EventType,
			request.Delta,
			balanceAfter,
			nextSequence,
			request.Reference,
			request.Note,
			request.Metadata,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		entry, inserted, err := transactionStore.InsertEntryIfAbsent(ctx, entryInput)
		if err != nil {
			return err
		}
		if !inserted {
			result = AppendResult{Entry: entry, Replayed: true}
			return nil
		}
		if err := transactionStore.AdvanceAccount(ctx, account.ID, account.LedgerSequence, nextSequence, balanceAfter); err != nil {
			return err
		}
		result = AppendResult{Entry: entry}
		return nil
	})
	return result, err
}

// EnsureAccount returns the account for an identity, creating it on first sight.
func (service *Service) EnsureAccount(ctx context.Context, accountID AccountID, email Email) (Account, error) {
	return service.store.EnsureAccount(ctx, accountID, email)
}

// Account returns an existing account.
func (service *Service) Account(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.GetAccount(ctx, accountID)
}

// AccountByEmail resolves an account from its normalized email.
func (service *Service) AccountByEmail(ctx context.Context, email Email) (Account, error) {
	return service.store.FindAccountByEmail(ctx, email)
}

// Balance returns the cached credit balance.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{AccountID: account.ID, Credits: account.CreditBalance}, nil
}

// EntryByReference returns the entry written for reference, or ErrEntryNotFound.
func (service *Service) EntryByReference(ctx context.Context, accountID AccountID, reference Reference) (Entry, error) {
	return service.store.FindEntryByReference(ctx, accountID, reference)
}

// LatestEntry returns the most recent entry of eventType for an account.
func (service *Service) LatestEntry(ctx context.Context, accountID AccountID, eventType EventType) (Entry, error) {
	return service.store.LatestEntryByType(ctx, accountID, eventType)
}

// ListEntries lists entries newest first. A beforeSequence of zero starts at the newest entry.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeSequence int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, accountID, beforeSequence, limit)
}

func (service *Service) logAppend(ctx context.Context, request AppendRequest, result AppendResult, operationError error) {
	if service.logger == nil {
		return
	}
	entry := OperationLog{
		Operation:    operationAppend,
		AccountID:    request.AccountID,
		EventType:    request.EventType,
		CreditsDelta: request.Delta,
		BalanceAfter: result.Entry.BalanceAfter,
		Reference:    request.Reference,
		Error:        operationError,
	}
	switch {
	case operationError != nil:
		entry.Status = OperationStatusError
	case result.Replayed:
		entry.Status = OperationStatusReplayed
	default:
		entry.Status = OperationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}

func validateAppendRequest(request AppendRequest) error {
	if request.AccountID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if request.Reference.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	if _, err := ParseEventType(request.EventType.String()); err != nil {
		return err
	}
	if request.Delta == 0 && !request.EventType.AllowsZeroDelta() {
		return fmt.Errorf("%w: %s requires a nonzero delta", ErrInvalidCreditsDelta, request.EventType)
	}
	if request.Delta != 0 && request.EventType.AllowsZeroDelta() {
		return fmt.Errorf("%w: %s must not move credits", ErrInvalidCreditsDelta, request.EventType)
	}
	return nil
}

func newAppendBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = appendInitialInterval
	exponential.MaxInterval = appendMaxInterval
	return exponential
}
