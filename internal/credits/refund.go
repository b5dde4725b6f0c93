package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/scanledger/internal/gateway/stripe"
	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	defaultRefundWriteAttempts = 5
	refundWriteInitialInterval = 50 * time.Millisecond
	refundWriteMaxInterval     = time.Second

	refundIdempotencyPrefix = "refund_"
	refundMarkerNote        = "refund marker"
)

// RefundConfig bounds refund notes and ledger write retries.
type RefundConfig struct {
	ReasonMaxLength int
	WriteAttempts   uint
}

// RefundResult reports a completed refund.
type RefundResult struct {
	AccountID       ledger.AccountID
	Email           ledger.Email
	Credits         int64
	BalanceAfter    ledger.Credits
	Entry           ledger.Entry
	GatewayRefundID string
}

// RefundController refunds credit pack purchases and single scan unlocks.
type RefundController struct {
	ledger  Ledger
	gateway PaymentGateway
	policy  AdminPolicy
	config  RefundConfig
	logger  *zap.Logger
}

// NewRefundController wires the controller; logger may be nil.
func NewRefundController(store Ledger, gateway PaymentGateway, policy AdminPolicy, config RefundConfig, logger *zap.Logger) (*RefundController, error) {
	if store == nil || gateway == nil {
		return nil, fmt.Errorf("%w: refund controller requires ledger and gateway", ErrInvalidConfig)
	}
	if len(policy.emails) == 0 {
		return nil, fmt.Errorf("%w: refund controller requires an admin policy", ErrInvalidConfig)
	}
	if config.ReasonMaxLength <= 0 {
		config.ReasonMaxLength = DefaultReasonMaxLength
	}
	if config.WriteAttempts == 0 {
		config.WriteAttempts = defaultRefundWriteAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefundController{ledger: store, gateway: gateway, policy: policy, config: config, logger: logger}, nil
}

// RefundCreditPack refunds a checkout session through the gateway and then
// records the refund and its marker in the ledger. The gateway call carries
// an idempotency key and parameters derived only from the session, so a retry
// by any admin replays the first refund instead of moving money twice or
// being rejected. The ledger writes are retried rather than the gateway call.
//
// The refund entry credits the pack's credits back to the account: its delta
// is the purchase delta, positive on purpose.
func (controller *RefundController) RefundCreditPack(ctx context.Context, actor Identity, sessionID string, reason string) (RefundResult, error) {
	if err := controller.policy.Authorize(actor); err != nil {
		return RefundResult{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	markerReference, err := RefundMarkerReference(sessionID)
	if err != nil {
		return RefundResult{}, err
	}
	purchaseReference, err := PurchaseReference(sessionID)
	if err != nil {
		return RefundResult{}, err
	}
	refundReference, err := PurchaseRefundReference(sessionID)
	if err != nil {
		return RefundResult{}, err
	}

	session, err := controller.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return RefundResult{}, gatewayError(err)
	}
	if !session.IsCreditPack() {
		return RefundResult{}, fmt.Errorf("%w: %s", ErrNotCreditPack, sessionID)
	}
	if strings.TrimSpace(session.PaymentIntentID) == "" {
		return RefundResult{}, fmt.Errorf("%w: session %s has no payment intent", ErrInvalidRequest, sessionID)
	}
	account, err := controller.sessionAccount(ctx, session)
	if err != nil {
		return RefundResult{}, err
	}

	purchase, err := controller.ledger.EntryByReference(ctx, account.ID, purchaseReference)
	if err != nil {
		if errors.Is(err, ledger.ErrEntryNotFound) {
			return RefundResult{}, fmt.Errorf("%w: %s", ErrPurchaseNotFound, sessionID)
		}
		return RefundResult{}, persistenceError(err)
	}
	if _, err := controller.ledger.EntryByReference(ctx, account.ID, markerReference); err == nil {
		return RefundResult{}, fmt.Errorf("%w: %s", ErrAlreadyRefunded, sessionID)
	} else if !errors.Is(err, ledger.ErrEntryNotFound) {
		return RefundResult{}, persistenceError(err)
	}

	note := ledger.NewNote(reason, controller.config.ReasonMaxLength)
	refund, err := controller.gateway.CreateRefund(ctx, session.PaymentIntentID, refundIdempotencyPrefix+sessionID, map[string]string{
		"session_id": sessionID,
	})
	if err != nil {
		return RefundResult{}, gatewayError(err)
	}
	metadata := ledger.MetadataFromMap(map[string]string{
		"session_id":     sessionID,
		"payment_intent": session.PaymentIntentID,
		"refund_id":      refund.ID,
		"actor":          actor.Email.String(),
	})

	refundEntry, err := controller.appendWithRetry(ctx, ledger.AppendRequest{
		AccountID: account.ID,
		EventType: ledger.EventAdminRefundCreditPack,
		Delta:     purchase.CreditsDelta,
		Reference: refundReference,
		Note:      note,
		Metadata:  metadata,
	})
	if err != nil {
		controller.logger.Error("refund issued but ledger write failed",
			zap.String("session_id", sessionID),
			zap.String("refund_id", refund.ID),
			zap.Error(err),
		)
		return RefundResult{}, err
	}
	marker, err := controller.appendWithRetry(ctx, ledger.AppendRequest{
		AccountID: account.ID,
		EventType: ledger.EventAdminRefundMarker,
		Reference: markerReference,
		Note:      ledger.NewNote(refundMarkerNote, 0),
		Metadata:  metadata,
	})
	if err != nil {
		return RefundResult{}, err
	}
	if marker.Replayed {
		return RefundResult{}, fmt.Errorf("%w: %s", ErrAlreadyRefunded, sessionID)
	}
	controller.logger.Info("credit pack refunded",
		zap.String("session_id", sessionID),
		zap.String("account_id", account.ID.String()),
		zap.String("refund_id", refund.ID),
		zap.Int64("credits", purchase.CreditsDelta.Int64()),
	)
	return RefundResult{
		AccountID:       account.ID,
		Email:           account.Email,
		Credits:         purchase.CreditsDelta.Int64(),
		BalanceAfter:    marker.Entry.BalanceAfter,
		Entry:           refundEntry.Entry,
		GatewayRefundID: refund.ID,
	}, nil
}

// RefundLatestUnlock returns the credit spent on the most recent scan of the
// target account, or of the actor when targetEmail is empty.
func (controller *RefundController) RefundLatestUnlock(ctx context.Context, actor Identity, targetEmail string, reason string) (RefundResult, error) {
	if err := controller.policy.Authorize(actor); err != nil {
		return RefundResult{}, err
	}
	var (
		account ledger.Account
		err     error
	)
	if strings.TrimSpace(targetEmail) == "" {
		account, err = accountByID(ctx, controller.ledger, actor.AccountID)
	} else {
		account, err = accountByEmail(ctx, controller.ledger, targetEmail)
	}
	if err != nil {
		return RefundResult{}, err
	}
	original, err := controller.ledger.LatestEntry(ctx, account.ID, ledger.EventInPersonScanCompleted)
	if err != nil {
		if errors.Is(err, ledger.ErrEntryNotFound) {
			return RefundResult{}, fmt.Errorf("%w: %s", ErrNoUnlocksToRefund, account.Email)
		}
		return RefundResult{}, persistenceError(err)
	}
	reference, err := UnlockRefundReference(original.Reference)
	if err != nil {
		return RefundResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	appendResult, err := controller.ledger.AppendEntry(ctx, ledger.AppendRequest{
		AccountID: account.ID,
		EventType: ledger.EventAdminRefund,
		Delta:     1,
		Reference: reference,
		Note:      ledger.NewNote(reason, controller.config.ReasonMaxLength),
		Metadata: ledger.MetadataFromMap(map[string]string{
			"original_entry_id":  original.EntryID,
			"original_reference": original.Reference.String(),
			"actor":              actor.Email.String(),
		}),
	})
	if err != nil {
		return RefundResult{}, appendError(err)
	}
	if appendResult.Replayed {
		return RefundResult{}, fmt.Errorf("%w: %s", ErrAlreadyRefunded, original.Reference)
	}
	return RefundResult{
		AccountID:    account.ID,
		Email:        account.Email,
		Credits:      1,
		BalanceAfter: appendResult.Entry.BalanceAfter,
		Entry:        appendResult.Entry,
	}, nil
}

func (controller *RefundController) sessionAccount(ctx context.Context, session stripe.CheckoutSession) (ledger.Account, error) {
	if strings.TrimSpace(session.ClientReferenceID) != "" {
		accountID, err := ledger.NewAccountID(session.ClientReferenceID)
		if err != nil {
			return ledger.Account{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return accountByID(ctx, controller.ledger, accountID)
	}
	return accountByEmail(ctx, controller.ledger, session.CustomerEmail)
}

// appendWithRetry retries persistence failures only.
func (controller *RefundController) appendWithRetry(ctx context.Context, request ledger.AppendRequest) (ledger.AppendResult, error) {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = refundWriteInitialInterval
	exponential.MaxInterval = refundWriteMaxInterval
	return backoff.Retry(ctx, func() (ledger.AppendResult, error) {
		result, err := controller.ledger.AppendEntry(ctx, request)
		if err == nil {
			return result, nil
		}
		classified := appendError(err)
		if !errors.Is(classified, ErrPersistence) {
			return ledger.AppendResult{}, backoff.Permanent(classified)
		}
		controller.logger.Warn("retrying refund ledger write",
			zap.String("reference", request.Reference.String()),
			zap.Error(err),
		)
		return ledger.AppendResult{}, classified
	}, backoff.WithBackOff(exponential), backoff.WithMaxTries(controller.config.WriteAttempts))
}
