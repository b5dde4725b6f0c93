package stripe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
)

const testAPIKey = "sk_test_123"

func newTestClient(test *testing.T, handler http.HandlerFunc) *Client {
	test.Helper()
	server := httptest.NewServer(handler)
	test.Cleanup(server.Close)
	client, err := NewClient(testAPIKey, server.URL, server.Client())
	if err != nil {
		test.Fatalf("client: %v", err)
	}
	return client
}

func requireBearer(test *testing.T, request *http.Request) {
	test.Helper()
	if got := request.Header.Get("Authorization"); got != "Bearer "+testAPIKey {
		test.Errorf("unexpected authorization header %q", got)
	}
}

func TestGetCheckoutSession(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		requireBearer(test, request)
		if request.Method != http.MethodGet || request.URL.Path != "/v1/checkout/sessions/cs_1" {
			test.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		_, _ = io.WriteString(writer, `{"id":"cs_1","payment_intent":"pi_1","payment_status":"paid","client_reference_id":"user-1","metadata":{"purchase_type":"credit_pack"}}`)
	})
	session, err := client.GetCheckoutSession(context.Background(), "cs_1")
	if err != nil {
		test.Fatalf("get session: %v", err)
	}
	if session.PaymentIntentID != "pi_1" || !session.IsCreditPack() || session.ClientReferenceID != "user-1" {
		test.Fatalf("unexpected session %+v", session)
	}
}

func TestListLineItemsFollowsPages(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		requireBearer(test, request)
		calls.Add(1)
		if request.URL.Query().Get("expand[]") != "data.price.product" {
			test.Errorf("expected expanded price product, got %q", request.URL.RawQuery)
		}
		if request.URL.Query().Get("starting_after") == "" {
			_, _ = io.WriteString(writer, `{"has_more":true,"data":[{"id":"li_1","quantity":2,"price":{"metadata":{"credits":"3"},"product":"prod_1"}}]}`)
			return
		}
		if request.URL.Query().Get("starting_after") != "li_1" {
			test.Errorf("unexpected cursor %q", request.URL.Query().Get("starting_after"))
		}
		_, _ = io.WriteString(writer, `{"has_more":false,"data":[{"id":"li_2","quantity":1,"price":{"metadata":{},"product":{"id":"prod_2","metadata":{"credits":"5"}}}}]}`)
	})
	items, err := client.ListLineItems(context.Background(), "cs_1")
	if err != nil {
		test.Fatalf("list line items: %v", err)
	}
	if calls.Load() != 2 || len(items) != 2 {
		test.Fatalf("expected two pages and two items, got %d calls and %d items", calls.Load(), len(items))
	}
	if total, err := CreditsGranted(items); err != nil || total != 11 {
		test.Fatalf("expected 11 credits, got %d (%v)", total, err)
	}
}

func TestCreateRefundSendsIdempotencyKey(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		requireBearer(test, request)
		if request.Header.Get("Idempotency-Key") != "refund_cs_1" {
			test.Errorf("unexpected idempotency key %q", request.Header.Get("Idempotency-Key"))
		}
		body, _ := io.ReadAll(request.Body)
		values, _ := url.ParseQuery(string(body))
		if values.Get("payment_intent") != "pi_1" || values.Get("metadata[session_id]") != "cs_1" {
			test.Errorf("unexpected form %v", values)
		}
		_, _ = io.WriteString(writer, `{"id":"re_1","status":"succeeded","payment_intent":"pi_1","amount":500}`)
	})
	refund, err := client.CreateRefund(context.Background(), "pi_1", "refund_cs_1", map[string]string{"session_id": "cs_1"})
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if refund.ID != "re_1" || refund.PaymentIntent != "pi_1" || refund.Amount != 500 {
		test.Fatalf("unexpected refund %+v", refund)
	}
}

func TestClientSurfacesGatewayErrors(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusPaymentRequired)
		_, _ = fmt.Fprint(writer, `{"error":{"message":"charge already refunded"}}`)
	})
	_, err := client.CreateRefund(context.Background(), "pi_1", "refund_cs_1", nil)
	if !errors.Is(err, ErrRequestFailed) {
		test.Fatalf("expected ErrRequestFailed, got %v", err)
	}
}

func TestNewClientRequiresKey(test *testing.T) {
	test.Parallel()
	if _, err := NewClient("", "", nil); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	client, err := NewClient(testAPIKey, "", nil)
	if err != nil {
		test.Fatalf("client: %v", err)
	}
	if client.baseURL != DefaultBaseURL {
		test.Fatalf("expected default base url, got %s", client.baseURL)
	}
}
