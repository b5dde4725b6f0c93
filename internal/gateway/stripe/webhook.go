package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeaderName is the HTTP header carrying the webhook signature.
const SignatureHeaderName = "Stripe-Signature"

// Verifier checks webhook signatures of the form "t=<unix>,v1=<hex hmac>".
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a Verifier. A non-positive tolerance disables the
// timestamp check.
func NewVerifier(secret string, tolerance time.Duration, now func() time.Time) (*Verifier, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(trimmed), tolerance: tolerance, now: now}, nil
}

// Verify accepts the payload when any v1 signature matches and the signed
// timestamp is within tolerance of now.
func (verifier *Verifier) Verify(payload []byte, header string) error {
	timestampValue, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	if verifier.tolerance > 0 {
		signedAt, err := strconv.ParseInt(timestampValue, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
		}
		age := verifier.now().Sub(time.Unix(signedAt, 0))
		if age > verifier.tolerance || age < -verifier.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	expected := computeSignature(verifier.secret, timestampValue, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// SignatureHeader produces a header value for payload signed at signedAt.
func SignatureHeader(secret string, signedAt time.Time, payload []byte) string {
	timestampValue := strconv.FormatInt(signedAt.Unix(), 10)
	return "t=" + timestampValue + ",v1=" + computeSignature([]byte(strings.TrimSpace(secret)), timestampValue, payload)
}

func computeSignature(secret []byte, timestampValue string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestampValue))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestampValue string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			timestampValue = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestampValue == "" || len(signatures) == 0 {
		return "", nil, fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	return timestampValue, signatures, nil
}
