package credits

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultDeltaCeiling    = 1000
	DefaultReasonMaxLength = 200
)

// AdminConfig bounds admin adjustments.
type AdminConfig struct {
	DeltaCeiling    int64
	ReasonMaxLength int
}

func (config AdminConfig) withDefaults() AdminConfig {
	if config.DeltaCeiling <= 0 {
		config.DeltaCeiling = DefaultDeltaCeiling
	}
	if config.ReasonMaxLength <= 0 {
		config.ReasonMaxLength = DefaultReasonMaxLength
	}
	return config
}

// AdjustRequest is one admin credit adjustment.
type AdjustRequest struct {
	TargetEmail string
	Delta       int64
	Reason      string
}

// AdjustResult reports the balance on either side of the adjustment.
type AdjustResult struct {
	AccountID     ledger.AccountID
	Email         ledger.Email
	BalanceBefore ledger.Credits
	BalanceAfter  ledger.Credits
	Entry         ledger.Entry
}

// AdminController applies manual credit adjustments.
type AdminController struct {
	ledger  Ledger
	policy  AdminPolicy
	config  AdminConfig
	nonceFn func() string
	logger  *zap.Logger
}

// AdminOption configures an AdminController.
type AdminOption func(*AdminController)

// WithNonceSource replaces the uuid nonce used in admin references.
func WithNonceSource(nonce func() string) AdminOption {
	return func(controller *AdminController) {
		if nonce != nil {
			controller.nonceFn = nonce
		}
	}
}

// NewAdminController wires the controller; logger may be nil.
func NewAdminController(store Ledger, policy AdminPolicy, config AdminConfig, logger *zap.Logger, options ...AdminOption) (*AdminController, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: admin controller requires a ledger", ErrInvalidConfig)
	}
	if len(policy.emails) == 0 {
		return nil, fmt.Errorf("%w: admin controller requires an admin policy", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	controller := &AdminController{
		ledger:  store,
		policy:  policy,
		config:  config.withDefaults(),
		nonceFn: uuid.NewString,
		logger:  logger,
	}
	for _, option := range options {
		if option != nil {
			option(controller)
		}
	}
	return controller, nil
}

// Adjust moves delta credits on the target account. Each call is a distinct
// adjustment; nothing deduplicates two identical submissions.
func (controller *AdminController) Adjust(ctx context.Context, actor Identity, request AdjustRequest) (AdjustResult, error) {
	if err := controller.policy.Authorize(actor); err != nil {
		return AdjustResult{}, err
	}
	if request.Delta == 0 {
		return AdjustResult{}, fmt.Errorf("%w: delta must be nonzero", ErrInvalidRequest)
	}
	if request.Delta > controller.config.DeltaCeiling || request.Delta < -controller.config.DeltaCeiling {
		return AdjustResult{}, fmt.Errorf("%w: |%d| > %d", ErrDeltaTooLarge, request.Delta, controller.config.DeltaCeiling)
	}
	account, err := accountByEmail(ctx, controller.ledger, request.TargetEmail)
	if err != nil {
		return AdjustResult{}, err
	}
	note := ledger.NewNote(request.Reason, controller.config.ReasonMaxLength)
	reference, err := AdminReference(note.String(), controller.nonceFn())
	if err != nil {
		return AdjustResult{}, err
	}
	appendResult, err := controller.ledger.AppendEntry(ctx, ledger.AppendRequest{
		AccountID: account.ID,
		EventType: ledger.EventAdminAdjustment,
		Delta:     ledger.CreditsDelta(request.Delta),
		Reference: reference,
		Note:      note,
		Metadata:  ledger.MetadataFromMap(map[string]string{"actor": actor.Email.String()}),
	})
	if err != nil {
		return AdjustResult{}, appendError(err)
	}
	entry := appendResult.Entry
	controller.logger.Info("admin credit adjustment",
		zap.String("actor", actor.Email.String()),
		zap.String("account_id", account.ID.String()),
		zap.Int64("delta", request.Delta),
		zap.Int64("balance_after", entry.BalanceAfter.Int64()),
	)
	return AdjustResult{
		AccountID:     account.ID,
		Email:         account.Email,
		BalanceBefore: ledger.Credits(entry.BalanceAfter.Int64() - entry.CreditsDelta.Int64()),
		BalanceAfter:  entry.BalanceAfter,
		Entry:         entry,
	}, nil
}
