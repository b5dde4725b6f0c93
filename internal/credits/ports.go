package credits

import (
	"context"

	"github.com/MarkoPoloResearchLab/scanledger/internal/gateway/stripe"
	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
)

// Ledger is the subset of *ledger.Service the controllers depend on.
type Ledger interface {
	AppendEntry(ctx context.Context, request ledger.AppendRequest) (ledger.AppendResult, error)
	EnsureAccount(ctx context.Context, accountID ledger.AccountID, email ledger.Email) (ledger.Account, error)
	Account(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
	AccountByEmail(ctx context.Context, email ledger.Email) (ledger.Account, error)
	EntryByReference(ctx context.Context, accountID ledger.AccountID, reference ledger.Reference) (ledger.Entry, error)
	LatestEntry(ctx context.Context, accountID ledger.AccountID, eventType ledger.EventType) (ledger.Entry, error)
	ListEntries(ctx context.Context, accountID ledger.AccountID, beforeSequence int64, limit int) ([]ledger.Entry, error)
}

// PaymentGateway is the subset of *stripe.Client the controllers depend on.
type PaymentGateway interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (stripe.CheckoutSession, error)
	ListLineItems(ctx context.Context, sessionID string) ([]stripe.LineItem, error)
	CreateRefund(ctx context.Context, paymentIntentID string, idempotencyKey string, metadata map[string]string) (stripe.Refund, error)
}

// SignatureVerifier authenticates a raw webhook payload.
type SignatureVerifier interface {
	Verify(payload []byte, header string) error
}

var (
	_ Ledger            = (*ledger.Service)(nil)
	_ PaymentGateway    = (*stripe.Client)(nil)
	_ SignatureVerifier = (*stripe.Verifier)(nil)
)
