package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
)

// accountByEmail maps a missing account to ErrUserNotFound and any other
// store failure to ErrPersistence.
func accountByEmail(ctx context.Context, store Ledger, rawEmail string) (ledger.Account, error) {
	email, err := ledger.NewEmail(rawEmail)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	account, err := store.AccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.Account{}, fmt.Errorf("%w: %s", ErrUserNotFound, email)
		}
		return ledger.Account{}, persistenceError(err)
	}
	return account, nil
}

func accountByID(ctx context.Context, store Ledger, accountID ledger.AccountID) (ledger.Account, error) {
	account, err := store.Account(ctx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.Account{}, fmt.Errorf("%w: %s", ErrUserNotFound, accountID)
		}
		return ledger.Account{}, persistenceError(err)
	}
	return account, nil
}

// appendError keeps the ledger's own business errors visible and classifies
// everything else as a persistence failure.
func appendError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return err
	case errors.Is(err, ledger.ErrAccountNotFound):
		return fmt.Errorf("%w: %w", ErrUserNotFound, err)
	case isValidationError(err):
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	default:
		return persistenceError(err)
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		ledger.ErrInvalidAccountID,
		ledger.ErrInvalidEmail,
		ledger.ErrInvalidReference,
		ledger.ErrInvalidCreditsDelta,
		ledger.ErrInvalidEventType,
		ledger.ErrInvalidMetadataJSON,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
