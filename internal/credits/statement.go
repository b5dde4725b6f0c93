package credits

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
)

const (
	DefaultStatementLimit = 20
	MaxStatementLimit     = 200
)

// Statement is an account balance with its newest entries.
type Statement struct {
	Account ledger.Account
	Entries []ledger.Entry
}

// Audit is the full entry history of an account checked against its
// cached balance.
type Audit struct {
	Account        ledger.Account
	Entries        []ledger.Entry
	Chain          ledger.ChainReport
	ChainError     error
	BalanceMatches bool
}

// StatementController serves read-only account views.
type StatementController struct {
	ledger Ledger
	policy AdminPolicy
}

// NewStatementController wires the controller.
func NewStatementController(store Ledger, policy AdminPolicy) (*StatementController, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: statement controller requires a ledger", ErrInvalidConfig)
	}
	return &StatementController{ledger: store, policy: policy}, nil
}

// Statement returns the caller's balance and up to limit recent entries,
// creating the account on first sight.
func (controller *StatementController) Statement(ctx context.Context, identity Identity, limit int) (Statement, error) {
	if identity.IsZero() {
		return Statement{}, ErrNotAuthenticated
	}
	if limit <= 0 {
		limit = DefaultStatementLimit
	}
	if limit > MaxStatementLimit {
		limit = MaxStatementLimit
	}
	account, err := controller.ledger.EnsureAccount(ctx, identity.AccountID, identity.Email)
	if err != nil {
		return Statement{}, persistenceError(err)
	}
	entries, err := controller.ledger.ListEntries(ctx, account.ID, 0, limit)
	if err != nil {
		return Statement{}, persistenceError(err)
	}
	return Statement{Account: account, Entries: entries}, nil
}

// Audit loads every entry of the account registered under targetEmail and
// replays the balance chain. A broken chain is reported in the result, not
// as an error.
func (controller *StatementController) Audit(ctx context.Context, actor Identity, targetEmail string) (Audit, error) {
	if err := controller.policy.Authorize(actor); err != nil {
		return Audit{}, err
	}
	account, err := accountByEmail(ctx, controller.ledger, targetEmail)
	if err != nil {
		return Audit{}, err
	}
	entries, err := controller.ledger.ListEntries(ctx, account.ID, 0, 0)
	if err != nil {
		return Audit{}, persistenceError(err)
	}
	audit := Audit{Account: account, Entries: entries}
	audit.Chain, audit.ChainError = ledger.VerifyChain(entries)
	if audit.ChainError == nil {
		audit.BalanceMatches = audit.Chain.ClosingBalance == account.CreditBalance
	}
	return audit, nil
}
