package credits

import (
	"errors"
	"fmt"
)

// Controller errors. Insufficient credits is reported with
// ledger.ErrInsufficientCredits.
var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrUserNotFound      = errors.New("user not found")
	ErrAlreadyRefunded   = errors.New("already refunded")
	ErrDeltaTooLarge     = errors.New("delta exceeds safety ceiling")
	ErrExternalGateway   = errors.New("external gateway error")
	ErrPersistence       = errors.New("persistence error")
	ErrNoUnlocksToRefund = errors.New("no unlocks to refund")
	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrNotCreditPack     = errors.New("checkout session is not a credit pack purchase")
	ErrInvalidConfig     = errors.New("invalid controller config")
)

func persistenceError(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

func gatewayError(err error) error {
	return fmt.Errorf("%w: %w", ErrExternalGateway, err)
}
