package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/scanledger/internal/gateway/stripe"
	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
	"go.uber.org/zap"
)

// WebhookOutcome tells the transport which 2xx case applied.
type WebhookOutcome string

const (
	WebhookIgnored  WebhookOutcome = "ignored"
	WebhookApplied  WebhookOutcome = "applied"
	WebhookReplayed WebhookOutcome = "replayed"

	purchaseNote = "credit pack purchase"
)

// WebhookResult describes a handled gateway event.
type WebhookResult struct {
	Outcome   WebhookOutcome
	EventID   string
	SessionID string
	AccountID ledger.AccountID
	Credits   int64
	Entry     ledger.Entry
}

// WebhookController grants purchased credits from payment gateway events.
type WebhookController struct {
	ledger   Ledger
	verifier SignatureVerifier
	gateway  PaymentGateway
	logger   *zap.Logger
}

// NewWebhookController wires the controller; logger may be nil.
func NewWebhookController(store Ledger, verifier SignatureVerifier, gateway PaymentGateway, logger *zap.Logger) (*WebhookController, error) {
	if store == nil || verifier == nil || gateway == nil {
		return nil, fmt.Errorf("%w: webhook controller requires ledger, verifier and gateway", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookController{ledger: store, verifier: verifier, gateway: gateway, logger: logger}, nil
}

// Handle verifies, parses and applies one webhook delivery. Every error
// other than ErrInvalidSignature and ErrInvalidRequest is transient and the
// gateway should redeliver; the grant is keyed by session so redelivery is safe.
func (controller *WebhookController) Handle(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	if err := controller.verifier.Verify(payload, signature); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	event, err := stripe.ParseEvent(payload)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	result := WebhookResult{Outcome: WebhookIgnored, EventID: event.ID, SessionID: event.Session.ID}
	if !event.IsCheckoutPayment() || !event.Session.IsPaid() {
		return result, nil
	}
	if strings.TrimSpace(event.Session.PaymentIntentID) == "" {
		return result, nil
	}

	lineItems, err := controller.gateway.ListLineItems(ctx, event.Session.ID)
	if err != nil {
		return WebhookResult{}, gatewayError(err)
	}
	total, err := stripe.CreditsGranted(lineItems)
	if err != nil {
		controller.logger.Error("checkout session grants unusable credits",
			zap.String("event_id", event.ID),
			zap.String("session_id", event.Session.ID),
			zap.Error(err),
		)
		return WebhookResult{}, gatewayError(err)
	}
	if total <= 0 {
		return result, nil
	}
	result.Credits = total

	account, err := controller.resolveAccount(ctx, event.Session)
	if err != nil {
		return WebhookResult{}, err
	}
	result.AccountID = account.ID

	reference, err := PurchaseReference(event.Session.ID)
	if err != nil {
		return WebhookResult{}, err
	}
	appendResult, err := controller.ledger.AppendEntry(ctx, ledger.AppendRequest{
		AccountID: account.ID,
		EventType: ledger.EventCreditPackPurchase,
		Delta:     ledger.CreditsDelta(total),
		Reference: reference,
		Note:      ledger.NewNote(purchaseNote, 0),
		Metadata: ledger.MetadataFromMap(map[string]string{
			"event_id":       event.ID,
			"session_id":     event.Session.ID,
			"payment_intent": event.Session.PaymentIntentID,
			"customer":       event.Session.CustomerID,
		}),
	})
	if err != nil {
		return WebhookResult{}, appendError(err)
	}
	result.Entry = appendResult.Entry
	result.Outcome = WebhookApplied
	if appendResult.Replayed {
		result.Outcome = WebhookReplayed
	}
	controller.logger.Info("checkout credits recorded",
		zap.String("event_id", event.ID),
		zap.String("session_id", event.Session.ID),
		zap.String("account_id", account.ID.String()),
		zap.Int64("credits", total),
		zap.String("outcome", string(result.Outcome)),
	)
	return result, nil
}

// resolveAccount prefers the client reference the checkout was opened with
// and falls back to the customer email.
func (controller *WebhookController) resolveAccount(ctx context.Context, session stripe.CheckoutSession) (ledger.Account, error) {
	if strings.TrimSpace(session.ClientReferenceID) != "" {
		accountID, err := ledger.NewAccountID(session.ClientReferenceID)
		if err != nil {
			return ledger.Account{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		email, emailErr := ledger.NewEmail(session.CustomerEmail)
		if emailErr != nil {
			return accountByID(ctx, controller.ledger, accountID)
		}
		account, err := controller.ledger.EnsureAccount(ctx, accountID, email)
		if err != nil {
			return ledger.Account{}, persistenceError(err)
		}
		return account, nil
	}
	if strings.TrimSpace(session.CustomerEmail) == "" {
		return ledger.Account{}, fmt.Errorf("%w: session %s has neither client reference nor email", ErrUserNotFound, session.ID)
	}
	account, err := accountByEmail(ctx, controller.ledger, session.CustomerEmail)
	if errors.Is(err, ErrInvalidRequest) {
		return ledger.Account{}, fmt.Errorf("%w: %w", ErrUserNotFound, err)
	}
	return account, err
}
