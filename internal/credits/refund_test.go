package credits

import (
	"context"
	"errors"
	"maps"
	"testing"

	"github.com/MarkoPoloResearchLab/scanledger/internal/gateway/stripe"
	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
)

func newRefundController(test *testing.T, testHarness *harness) *RefundController {
	test.Helper()
	controller, err := NewRefundController(testHarness.service, testHarness.gateway, testHarness.policy, RefundConfig{WriteAttempts: 2}, nil)
	if err != nil {
		test.Fatalf("refund controller: %v", err)
	}
	return controller
}

func purchaseCreditPack(test *testing.T, testHarness *harness, sessionID string, credits string) {
	test.Helper()
	testHarness.gateway.addCreditPack(sessionID, credits)
	payload := checkoutPayload(test, "evt_"+sessionID, sessionID, stripe.PaymentStatusPaid)
	if _, err := newWebhookController(test, testHarness).Handle(context.Background(), payload, sign(payload)); err != nil {
		test.Fatalf("purchase: %v", err)
	}
}

func TestRefundCreditPackOnce(test *testing.T) {
	testHarness := newHarness(test)
	purchaseCreditPack(test, testHarness, "cs_1", "3")
	controller := newRefundController(test, testHarness)

	result, err := controller.RefundCreditPack(context.Background(), testHarness.admin, "cs_1", "customer request")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if result.Credits != 3 || result.BalanceAfter != 6 || result.GatewayRefundID == "" {
		test.Fatalf("unexpected result %+v", result)
	}
	_, err = controller.RefundCreditPack(context.Background(), testHarness.admin, "cs_1", "again")
	if !errors.Is(err, ErrAlreadyRefunded) {
		test.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
	if balance := testHarness.balance(test, testHarness.customer); balance != 6 {
		test.Fatalf("expected balance unchanged by the second call, got %d", balance)
	}

	calls := testHarness.gateway.refunds()
	if len(calls) != 1 || calls[0].idempotencyKey != "refund_cs_1" || calls[0].paymentIntentID != "pi_cs_1" {
		test.Fatalf("unexpected gateway refunds %+v", calls)
	}
	entries := testHarness.entries(test, testHarness.customer)
	if len(entries) != 3 {
		test.Fatalf("expected purchase, refund and marker, got %d entries", len(entries))
	}
	if entries[0].EventType != ledger.EventAdminRefundMarker || entries[0].CreditsDelta != 0 || entries[0].Reference.String() != "stripe_session_refund:cs_1" {
		test.Fatalf("unexpected marker %+v", entries[0])
	}
	if entries[1].EventType != ledger.EventAdminRefundCreditPack || entries[1].Reference.String() != "stripe_session_purchase:cs_1:refund" {
		test.Fatalf("unexpected refund entry %+v", entries[1])
	}
}

func TestRefundCreditPackGatewayFailureWritesNothing(test *testing.T) {
	testHarness := newHarness(test)
	purchaseCreditPack(test, testHarness, "cs_1", "3")
	testHarness.gateway.refundErr = errors.New("card network down")
	controller := newRefundController(test, testHarness)

	if _, err := controller.RefundCreditPack(context.Background(), testHarness.admin, "cs_1", ""); !errors.Is(err, ErrExternalGateway) {
		test.Fatalf("expected ErrExternalGateway, got %v", err)
	}
	if entries := testHarness.entries(test, testHarness.customer); len(entries) != 1 {
		test.Fatalf("expected only the purchase, got %d entries", len(entries))
	}

	testHarness.gateway.refundErr = nil
	if _, err := controller.RefundCreditPack(context.Background(), testHarness.admin, "cs_1", ""); err != nil {
		test.Fatalf("retry: %v", err)
	}
}

func TestRefundCreditPackRejections(test *testing.T) {
	testHarness := newHarness(test)
	purchaseCreditPack(test, testHarness, "cs_1", "3")
	testHarness.gateway.addCreditPack("cs_unpaid", "3")
	testHarness.gateway.sessions["cs_other"] = stripe.CheckoutSession{ID: "cs_other", PaymentIntentID: "pi_other", ClientReferenceID: customerID}
	testHarness.gateway.sessions["cs_nointent"] = stripe.CheckoutSession{ID: "cs_nointent", ClientReferenceID: customerID, Metadata: map[string]string{"purchase_type": "credit_pack"}}
	controller := newRefundController(test, testHarness)

	testCases := []struct {
		name      string
		actor     Identity
		sessionID string
		wantErr   error
	}{
		{name: "not admin", actor: testHarness.customer, sessionID: "cs_1", wantErr: ErrNotAuthorized},
		{name: "empty session", actor: testHarness.admin, sessionID: " ", wantErr: ErrInvalidRequest},
		{name: "unknown session", actor: testHarness.admin, sessionID: "cs_missing", wantErr: ErrExternalGateway},
		{name: "not a credit pack", actor: testHarness.admin, sessionID: "cs_other", wantErr: ErrNotCreditPack},
		{name: "no payment intent", actor: testHarness.admin, sessionID: "cs_nointent", wantErr: ErrInvalidRequest},
		{name: "never granted", actor: testHarness.admin, sessionID: "cs_unpaid", wantErr: ErrPurchaseNotFound},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			if _, err := controller.RefundCreditPack(context.Background(), testCase.actor, testCase.sessionID, ""); !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
	if calls := testHarness.gateway.refunds(); len(calls) != 0 {
		test.Fatalf("no refund should reach the gateway, got %+v", calls)
	}
}

func TestRefundCreditPackCompletesInterruptedRefund(test *testing.T) {
	testHarness := newHarness(test)
	purchaseCreditPack(test, testHarness, "cs_1", "3")
	reference, err := PurchaseRefundReference("cs_1")
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	if _, err := testHarness.service.AppendEntry(context.Background(), ledger.AppendRequest{
		AccountID: testHarness.customer.AccountID,
		EventType: ledger.EventAdminRefundCreditPack,
		Delta:     3,
		Reference: reference,
	}); err != nil {
		test.Fatalf("partial refund: %v", err)
	}

	controller := newRefundController(test, testHarness)
	result, err := controller.RefundCreditPack(context.Background(), testHarness.admin, "cs_1", "")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if result.BalanceAfter != 6 {
		test.Fatalf("refund credits must be applied once, got balance %d", result.BalanceAfter)
	}
	if calls := testHarness.gateway.refunds(); len(calls) != 1 || calls[0].idempotencyKey != "refund_cs_1" {
		test.Fatalf("unexpected gateway refunds %+v", calls)
	}
}

// flakyLedger fails refund writes while failRefunds is set.
type flakyLedger struct {
	Ledger
	failRefunds bool
}

func (store *flakyLedger) AppendEntry(ctx context.Context, request ledger.AppendRequest) (ledger.AppendResult, error) {
	if store.failRefunds && request.EventType == ledger.EventAdminRefundCreditPack {
		return ledger.AppendResult{}, errors.New("database is locked")
	}
	return store.Ledger.AppendEntry(ctx, request)
}

func TestRefundCreditPackRetryByAnotherAdminCompletesLedger(test *testing.T) {
	testHarness := newHarness(test)
	purchaseCreditPack(test, testHarness, "cs_1", "3")
	secondAdmin := mustIdentity(test, "admin-2", "second@example.com")
	policy, err := NewAdminPolicy([]string{adminEmail, secondAdmin.Email.String()})
	if err != nil {
		test.Fatalf("policy: %v", err)
	}
	store := &flakyLedger{Ledger: testHarness.service, failRefunds: true}
	controller, err := NewRefundController(store, testHarness.gateway, policy, RefundConfig{WriteAttempts: 1}, nil)
	if err != nil {
		test.Fatalf("refund controller: %v", err)
	}

	if _, err := controller.RefundCreditPack(context.Background(), testHarness.admin, "cs_1", "first try"); !errors.Is(err, ErrPersistence) {
		test.Fatalf("expected ErrPersistence, got %v", err)
	}
	if balance := testHarness.balance(test, testHarness.customer); balance != 3 {
		test.Fatalf("expected no ledger change after the failed write, got %d", balance)
	}

	store.failRefunds = false
	result, err := controller.RefundCreditPack(context.Background(), secondAdmin, "cs_1", "second try")
	if err != nil {
		test.Fatalf("retry by second admin: %v", err)
	}
	if result.BalanceAfter != 6 {
		test.Fatalf("expected balance 6 after the completed refund, got %d", result.BalanceAfter)
	}
	calls := testHarness.gateway.refunds()
	if len(calls) != 2 {
		test.Fatalf("expected the gateway call to be repeated once, got %+v", calls)
	}
	if calls[0].idempotencyKey != calls[1].idempotencyKey || !maps.Equal(calls[0].metadata, calls[1].metadata) {
		test.Fatalf("gateway parameters must not depend on the admin, got %+v", calls)
	}
}

func TestRefundLatestUnlock(test *testing.T) {
	testHarness := newHarness(test)
	testHarness.grant(test, testHarness.customer, 2)
	consumption := newConsumptionController(test, testHarness)
	for _, scanID := range []string{"abc", "def"} {
		if _, err := consumption.Consume(context.Background(), testHarness.customer, scanID); err != nil {
			test.Fatalf("consume %s: %v", scanID, err)
		}
	}
	controller := newRefundController(test, testHarness)

	result, err := controller.RefundLatestUnlock(context.Background(), testHarness.admin, customerEmail, "scanner jam")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if result.Entry.Reference.String() != "refund:scan:def" || result.BalanceAfter != 1 || result.Entry.EventType != ledger.EventAdminRefund {
		test.Fatalf("unexpected result %+v", result.Entry)
	}
	for range 3 {
		if _, err := controller.RefundLatestUnlock(context.Background(), testHarness.admin, customerEmail, "again"); !errors.Is(err, ErrAlreadyRefunded) {
			test.Fatalf("expected ErrAlreadyRefunded, got %v", err)
		}
	}
	if balance := testHarness.balance(test, testHarness.customer); balance != 1 {
		test.Fatalf("expected balance 1, got %d", balance)
	}
}

func TestRefundLatestUnlockTargets(test *testing.T) {
	testHarness := newHarness(test)
	controller := newRefundController(test, testHarness)

	if _, err := controller.RefundLatestUnlock(context.Background(), testHarness.admin, "", ""); !errors.Is(err, ErrNoUnlocksToRefund) {
		test.Fatalf("expected ErrNoUnlocksToRefund for the admin's own account, got %v", err)
	}
	if _, err := controller.RefundLatestUnlock(context.Background(), testHarness.admin, "ghost@example.com", ""); !errors.Is(err, ErrUserNotFound) {
		test.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := controller.RefundLatestUnlock(context.Background(), testHarness.customer, customerEmail, ""); !errors.Is(err, ErrNotAuthorized) {
		test.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}
