package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/scanledger/internal/gateway/stripe"
	"github.com/MarkoPoloResearchLab/scanledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
)

const (
	adminEmail    = "admin@example.com"
	adminID       = "admin-1"
	customerEmail = "customer@example.com"
	customerID    = "customer-1"
	webhookSecret = "whsec_test"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type refundCall struct {
	paymentIntentID string
	idempotencyKey  string
	metadata        map[string]string
}

type fakeGateway struct {
	mutex         sync.Mutex
	sessions      map[string]stripe.CheckoutSession
	lineItems     map[string][]stripe.LineItem
	lineItemsErr  error
	refundErr     error
	refundCalls   []refundCall
	issued        map[string]refundCall
	lineItemCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions:  map[string]stripe.CheckoutSession{},
		lineItems: map[string][]stripe.LineItem{},
		issued:    map[string]refundCall{},
	}
}

func (gateway *fakeGateway) GetCheckoutSession(_ context.Context, sessionID string) (stripe.CheckoutSession, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	session, ok := gateway.sessions[sessionID]
	if !ok {
		return stripe.CheckoutSession{}, errors.New("no such checkout session")
	}
	return session, nil
}

func (gateway *fakeGateway) ListLineItems(_ context.Context, sessionID string) ([]stripe.LineItem, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.lineItemCalls++
	if gateway.lineItemsErr != nil {
		return nil, gateway.lineItemsErr
	}
	return gateway.lineItems[sessionID], nil
}

func (gateway *fakeGateway) CreateRefund(_ context.Context, paymentIntentID string, idempotencyKey string, metadata map[string]string) (stripe.Refund, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.refundErr != nil {
		return stripe.Refund{}, gateway.refundErr
	}
	call := refundCall{paymentIntentID: paymentIntentID, idempotencyKey: idempotencyKey, metadata: maps.Clone(metadata)}
	gateway.refundCalls = append(gateway.refundCalls, call)
	if first, ok := gateway.issued[idempotencyKey]; ok {
		if first.paymentIntentID != call.paymentIntentID || !maps.Equal(first.metadata, call.metadata) {
			return stripe.Refund{}, fmt.Errorf("%w: status 400: idempotency key reused with different parameters", stripe.ErrRequestFailed)
		}
	} else {
		gateway.issued[idempotencyKey] = call
	}
	return stripe.Refund{ID: "re_" + idempotencyKey, Status: "succeeded", PaymentIntent: paymentIntentID}, nil
}

func (gateway *fakeGateway) refunds() []refundCall {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return append([]refundCall(nil), gateway.refundCalls...)
}

// addCreditPack registers a paid credit-pack session granting credits to
// the customer account.
func (gateway *fakeGateway) addCreditPack(sessionID string, credits string) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.sessions[sessionID] = stripe.CheckoutSession{
		ID:                sessionID,
		PaymentIntentID:   "pi_" + sessionID,
		PaymentStatus:     stripe.PaymentStatusPaid,
		ClientReferenceID: customerID,
		CustomerEmail:     customerEmail,
		Metadata:          map[string]string{"purchase_type": "credit_pack"},
	}
	gateway.lineItems[sessionID] = []stripe.LineItem{
		{ID: "li_" + sessionID, Quantity: 1, PriceMetadata: map[string]string{"credits": credits}},
	}
}

type harness struct {
	service  *ledger.Service
	gateway  *fakeGateway
	policy   AdminPolicy
	admin    Identity
	customer Identity
}

func newHarness(test *testing.T) *harness {
	test.Helper()
	ctx := context.Background()
	db, cleanup, _, err := gormstore.Open(ctx, "sqlite://"+filepath.Join(test.TempDir(), "credits.db"))
	if err != nil {
		test.Fatalf("open store: %v", err)
	}
	test.Cleanup(func() { _ = cleanup() })
	if err := gormstore.AutoMigrate(ctx, db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	service, err := ledger.NewService(gormstore.New(db), func() int64 { return fixedNow.Unix() })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	policy, err := NewAdminPolicy([]string{" Admin@Example.com "})
	if err != nil {
		test.Fatalf("policy: %v", err)
	}
	testHarness := &harness{
		service:  service,
		gateway:  newFakeGateway(),
		policy:   policy,
		admin:    mustIdentity(test, adminID, adminEmail),
		customer: mustIdentity(test, customerID, customerEmail),
	}
	for _, identity := range []Identity{testHarness.admin, testHarness.customer} {
		if _, err := service.EnsureAccount(ctx, identity.AccountID, identity.Email); err != nil {
			test.Fatalf("ensure account: %v", err)
		}
	}
	return testHarness
}

func (testHarness *harness) balance(test *testing.T, identity Identity) int64 {
	test.Helper()
	balance, err := testHarness.service.Balance(context.Background(), identity.AccountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance.Credits.Int64()
}

func (testHarness *harness) entries(test *testing.T, identity Identity) []ledger.Entry {
	test.Helper()
	entries, err := testHarness.service.ListEntries(context.Background(), identity.AccountID, 0, 0)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if _, err := ledger.VerifyChain(entries); err != nil {
		test.Fatalf("chain: %v", err)
	}
	return entries
}

func (testHarness *harness) grant(test *testing.T, identity Identity, delta int64) {
	test.Helper()
	controller, err := NewAdminController(testHarness.service, testHarness.policy, AdminConfig{}, nil)
	if err != nil {
		test.Fatalf("admin controller: %v", err)
	}
	if _, err := controller.Adjust(context.Background(), testHarness.admin, AdjustRequest{TargetEmail: identity.Email.String(), Delta: delta, Reason: "seed"}); err != nil {
		test.Fatalf("seed credits: %v", err)
	}
}

func mustIdentity(test *testing.T, subject string, email string) Identity {
	test.Helper()
	identity, err := NewIdentity(subject, email, "")
	if err != nil {
		test.Fatalf("identity: %v", err)
	}
	return identity
}

func checkoutPayload(test *testing.T, eventID string, sessionID string, paymentStatus string) []byte {
	test.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    stripe.EventCheckoutSessionCompleted,
		"created": fixedNow.Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":                  sessionID,
				"payment_intent":      "pi_" + sessionID,
				"payment_status":      paymentStatus,
				"client_reference_id": customerID,
				"customer_details":    map[string]any{"email": customerEmail},
				"metadata":            map[string]any{"purchase_type": "credit_pack"},
			},
		},
	})
	if err != nil {
		test.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func sign(payload []byte) string {
	return stripe.SignatureHeader(webhookSecret, fixedNow, payload)
}
