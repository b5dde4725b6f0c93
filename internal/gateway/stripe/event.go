package stripe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Checkout event types that can carry a paid credit-pack purchase.
const (
	EventCheckoutSessionCompleted             = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"

	PaymentStatusPaid = "paid"

	metadataPurchaseType   = "purchase_type"
	metadataCredits        = "credits"
	purchaseTypeCreditPack = "credit_pack"
)

// Event is the subset of a webhook event this service reads.
type Event struct {
	ID      string
	Type    string
	Created int64
	Session CheckoutSession
}

// CheckoutSession is the subset of a checkout session this service reads.
type CheckoutSession struct {
	ID                string
	PaymentIntentID   string
	PaymentStatus     string
	CustomerID        string
	ClientReferenceID string
	CustomerEmail     string
	Metadata          map[string]string
}

// IsCheckoutPayment reports whether the event type can complete a purchase.
func (event Event) IsCheckoutPayment() bool {
	return event.Type == EventCheckoutSessionCompleted || event.Type == EventCheckoutSessionAsyncPaymentSucceeded
}

// IsPaid reports whether the session's payment has settled.
func (session CheckoutSession) IsPaid() bool {
	return session.PaymentStatus == PaymentStatusPaid
}

// IsCreditPack reports whether the session metadata marks a credit-pack purchase.
func (session CheckoutSession) IsCreditPack() bool {
	return strings.EqualFold(strings.TrimSpace(session.Metadata[metadataPurchaseType]), purchaseTypeCreditPack)
}

type eventEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type sessionPayload struct {
	ID                string          `json:"id"`
	PaymentIntent     json.RawMessage `json:"payment_intent"`
	PaymentStatus     string          `json:"payment_status"`
	Customer          json.RawMessage `json:"customer"`
	ClientReferenceID string          `json:"client_reference_id"`
	CustomerEmail     string          `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]any `json:"metadata"`
}

// ParseEvent decodes a webhook payload. The checkout session is decoded only
// for checkout event types; other events come back with an empty Session.
func ParseEvent(payload []byte) (Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(envelope.ID) == "" || strings.TrimSpace(envelope.Type) == "" {
		return Event{}, fmt.Errorf("%w: missing id or type", ErrInvalidPayload)
	}
	event := Event{ID: envelope.ID, Type: strings.TrimSpace(envelope.Type), Created: envelope.Created}
	if !strings.HasPrefix(event.Type, "checkout.session.") {
		return event, nil
	}
	session, err := decodeSession(envelope.Data.Object)
	if err != nil {
		return Event{}, err
	}
	event.Session = session
	return event, nil
}

func decodeSession(raw []byte) (CheckoutSession, error) {
	var payload sessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: checkout session: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(payload.ID) == "" {
		return CheckoutSession{}, fmt.Errorf("%w: checkout session without id", ErrInvalidPayload)
	}
	email := strings.TrimSpace(payload.CustomerDetails.Email)
	if email == "" {
		email = strings.TrimSpace(payload.CustomerEmail)
	}
	return CheckoutSession{
		ID:                strings.TrimSpace(payload.ID),
		PaymentIntentID:   expandableID(payload.PaymentIntent),
		PaymentStatus:     strings.TrimSpace(payload.PaymentStatus),
		CustomerID:        expandableID(payload.Customer),
		ClientReferenceID: strings.TrimSpace(payload.ClientReferenceID),
		CustomerEmail:     email,
		Metadata:          readMetadata(payload.Metadata),
	}, nil
}

// expandableID reads a field that is either an id string or an expanded
// object with an "id" member.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var identifier string
	if err := json.Unmarshal(raw, &identifier); err == nil {
		return strings.TrimSpace(identifier)
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		return strings.TrimSpace(object.ID)
	}
	return ""
}

func readMetadata(metadata map[string]any) map[string]string {
	values := make(map[string]string, len(metadata))
	for key := range metadata {
		if value := readMetadataValue(metadata, key); value != "" {
			values[key] = value
		}
	}
	return values
}

func readMetadataValue(metadata map[string]any, key string) string {
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case bool:
		return strconv.FormatBool(cast)
	}
	return ""
}
