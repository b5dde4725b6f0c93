package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public REST endpoint.
	DefaultBaseURL = "https://api.stripe.com"

	defaultHTTPTimeout = 12 * time.Second
	lineItemsPageSize  = "100"
	maxLineItemPages   = 20
)

// Client calls the payment gateway REST API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client. An empty baseURL selects DefaultBaseURL and a
// nil httpClient gets a client with a fixed timeout.
func NewClient(apiKey string, baseURL string, httpClient *http.Client) (*Client, error) {
	trimmedKey := strings.TrimSpace(apiKey)
	if trimmedKey == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	trimmedURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedURL == "" {
		trimmedURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{apiKey: trimmedKey, baseURL: trimmedURL, httpClient: httpClient}, nil
}

// LineItem is one purchased item with the metadata of its price and product.
type LineItem struct {
	ID              string
	Quantity        int64
	PriceMetadata   map[string]string
	ProductMetadata map[string]string
}

// Refund is the gateway's record of an issued refund.
type Refund struct {
	ID            string
	Status        string
	PaymentIntent string
	Amount        int64
}

// GetCheckoutSession retrieves a checkout session by id.
func (client *Client) GetCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	var raw json.RawMessage
	if err := client.doRequest(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, "", &raw); err != nil {
		return CheckoutSession{}, err
	}
	session, err := decodeSession(raw)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return session, nil
}

// ListLineItems pages through a session's line items with price and product
// expanded.
func (client *Client) ListLineItems(ctx context.Context, sessionID string) ([]LineItem, error) {
	items := make([]LineItem, 0)
	startingAfter := ""
	for page := 0; page < maxLineItemPages; page++ {
		query := url.Values{}
		query.Set("limit", lineItemsPageSize)
		query.Add("expand[]", "data.price.product")
		if startingAfter != "" {
			query.Set("starting_after", startingAfter)
		}
		var response lineItemList
		path := "/v1/checkout/sessions/" + url.PathEscape(sessionID) + "/line_items?" + query.Encode()
		if err := client.doRequest(ctx, http.MethodGet, path, nil, "", &response); err != nil {
			return nil, err
		}
		for _, item := range response.Data {
			items = append(items, item.toLineItem())
		}
		if !response.HasMore || len(response.Data) == 0 {
			return items, nil
		}
		startingAfter = response.Data[len(response.Data)-1].ID
	}
	return nil, fmt.Errorf("%w: line items exceed %d pages", ErrInvalidResponse, maxLineItemPages)
}

// CreateRefund refunds a payment intent in full. The idempotency key makes a
// repeated call return the first refund instead of issuing a second one.
func (client *Client) CreateRefund(ctx context.Context, paymentIntentID string, idempotencyKey string, metadata map[string]string) (Refund, error) {
	values := url.Values{}
	values.Set("payment_intent", paymentIntentID)
	for key, value := range metadata {
		values.Set("metadata["+key+"]", value)
	}
	var response refundPayload
	if err := client.doRequest(ctx, http.MethodPost, "/v1/refunds", values, idempotencyKey, &response); err != nil {
		return Refund{}, err
	}
	if response.ID == "" {
		return Refund{}, fmt.Errorf("%w: refund without id", ErrInvalidResponse)
	}
	return Refund{ID: response.ID, Status: response.Status, PaymentIntent: expandableID(response.PaymentIntent), Amount: response.Amount}, nil
}

func (client *Client) doRequest(ctx context.Context, method string, path string, values url.Values, idempotencyKey string, target any) error {
	body := io.Reader(http.NoBody)
	if values != nil {
		body = strings.NewReader(values.Encode())
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	request.Header.Set("Authorization", "Bearer "+client.apiKey)
	if values != nil {
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		request.Header.Set("Idempotency-Key", idempotencyKey)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		var apiError errorPayload
		message := "request rejected"
		if err := json.NewDecoder(response.Body).Decode(&apiError); err == nil && strings.TrimSpace(apiError.Error.Message) != "" {
			message = strings.TrimSpace(apiError.Error.Message)
		}
		return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, response.StatusCode, message)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

type errorPayload struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type refundPayload struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	PaymentIntent json.RawMessage `json:"payment_intent"`
	Amount        int64           `json:"amount"`
}

type lineItemList struct {
	Data    []lineItemPayload `json:"data"`
	HasMore bool              `json:"has_more"`
}

type lineItemPayload struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
	Price    *struct {
		Metadata map[string]any  `json:"metadata"`
		Product  json.RawMessage `json:"product"`
	} `json:"price"`
}

func (payload lineItemPayload) toLineItem() LineItem {
	item := LineItem{ID: payload.ID, Quantity: payload.Quantity, PriceMetadata: map[string]string{}, ProductMetadata: map[string]string{}}
	if payload.Price == nil {
		return item
	}
	item.PriceMetadata = readMetadata(payload.Price.Metadata)
	var product struct {
		Metadata map[string]any `json:"metadata"`
	}
	if len(payload.Price.Product) > 0 && json.Unmarshal(payload.Price.Product, &product) == nil {
		item.ProductMetadata = readMetadata(product.Metadata)
	}
	return item
}
