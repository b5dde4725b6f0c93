package credits

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
)

const scanNote = "in-person scan"

// ConsumeResult is the spend recorded for a scan. Replayed is true when the
// scan had already been paid for.
type ConsumeResult struct {
	Entry    ledger.Entry
	Balance  ledger.Credits
	Replayed bool
}

// ConsumptionController charges one credit per scan.
type ConsumptionController struct {
	ledger Ledger
}

// NewConsumptionController wires the controller.
func NewConsumptionController(store Ledger) (*ConsumptionController, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: consumption controller requires a ledger", ErrInvalidConfig)
	}
	return &ConsumptionController{ledger: store}, nil
}

// Consume debits one credit for scanID. A repeated scanID returns the
// original spend. ledger.ErrInsufficientCredits means no report may be produced.
func (controller *ConsumptionController) Consume(ctx context.Context, identity Identity, scanID string) (ConsumeResult, error) {
	if identity.IsZero() {
		return ConsumeResult{}, ErrNotAuthenticated
	}
	reference, err := ScanReference(scanID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if _, err := controller.ledger.EnsureAccount(ctx, identity.AccountID, identity.Email); err != nil {
		return ConsumeResult{}, persistenceError(err)
	}
	appendResult, err := controller.ledger.AppendEntry(ctx, ledger.AppendRequest{
		AccountID: identity.AccountID,
		EventType: ledger.EventInPersonScanCompleted,
		Delta:     -1,
		Reference: reference,
		Note:      ledger.NewNote(scanNote, 0),
		Metadata:  ledger.MetadataFromMap(map[string]string{"scan_id": scanID}),
	})
	if err != nil {
		return ConsumeResult{}, appendError(err)
	}
	result := ConsumeResult{
		Entry:    appendResult.Entry,
		Balance:  appendResult.Entry.BalanceAfter,
		Replayed: appendResult.Replayed,
	}
	if result.Replayed {
		account, err := accountByID(ctx, controller.ledger, identity.AccountID)
		if err != nil {
			return ConsumeResult{}, err
		}
		result.Balance = account.CreditBalance
	}
	return result, nil
}
