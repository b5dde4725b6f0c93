package stripe

import "errors"

// Gateway errors. Request failures wrap ErrRequestFailed so callers can tell
// a gateway outage apart from a malformed webhook.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrInvalidConfig    = errors.New("invalid gateway config")
	ErrRequestFailed    = errors.New("gateway request failed")
	ErrInvalidResponse  = errors.New("invalid gateway response")
	ErrInvalidCredits   = errors.New("invalid credit metadata")
)
