package credits

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
)

const (
	purchaseReferencePrefix     = "stripe_session_purchase:"
	purchaseRefundSuffix        = ":refund"
	refundMarkerReferencePrefix = "stripe_session_refund:"
	scanReferencePrefix         = "scan:"
	unlockRefundPrefix          = "refund:"
	adminReferencePrefix        = "admin:"

	defaultAdminReason = "manual"
	maxReasonSlug      = 64
	maxExternalID      = 200
)

// PurchaseReference names the grant for a checkout session.
func PurchaseReference(sessionID string) (ledger.Reference, error) {
	return prefixedReference(purchaseReferencePrefix, sessionID, "")
}

// PurchaseRefundReference names the credits entry written when a checkout
// session is refunded.
func PurchaseRefundReference(sessionID string) (ledger.Reference, error) {
	return prefixedReference(purchaseReferencePrefix, sessionID, purchaseRefundSuffix)
}

// RefundMarkerReference names the zero-delta marker that blocks a second
// refund of a checkout session.
func RefundMarkerReference(sessionID string) (ledger.Reference, error) {
	return prefixedReference(refundMarkerReferencePrefix, sessionID, "")
}

// ScanReference names the spend for one scan unlock.
func ScanReference(scanID string) (ledger.Reference, error) {
	return prefixedReference(scanReferencePrefix, scanID, "")
}

// UnlockRefundReference names the refund of the entry written under original.
func UnlockRefundReference(original ledger.Reference) (ledger.Reference, error) {
	return ledger.NewReference(unlockRefundPrefix + original.String())
}

// AdminReference names one admin adjustment. The nonce keeps repeated
// submissions of the same reason distinct.
func AdminReference(reason string, nonce string) (ledger.Reference, error) {
	slug := reasonSlug(reason)
	if slug == "" {
		slug = defaultAdminReason
	}
	if strings.TrimSpace(nonce) == "" {
		return ledger.Reference{}, fmt.Errorf("%w: admin reference needs a nonce", ErrInvalidRequest)
	}
	return ledger.NewReference(adminReferencePrefix + slug + ":" + strings.TrimSpace(nonce))
}

func prefixedReference(prefix string, identifier string, suffix string) (ledger.Reference, error) {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return ledger.Reference{}, fmt.Errorf("%w: identifier is required", ErrInvalidRequest)
	}
	if len(trimmed) > maxExternalID {
		return ledger.Reference{}, fmt.Errorf("%w: identifier longer than %d characters", ErrInvalidRequest, maxExternalID)
	}
	return ledger.NewReference(prefix + trimmed + suffix)
}

// reasonSlug lowercases reason and collapses everything but letters and
// digits into single dashes.
func reasonSlug(reason string) string {
	var builder strings.Builder
	pendingDash := false
	for _, character := range strings.ToLower(strings.TrimSpace(reason)) {
		if unicode.IsLetter(character) || unicode.IsDigit(character) {
			if pendingDash && builder.Len() > 0 {
				builder.WriteByte('-')
			}
			pendingDash = false
			builder.WriteRune(character)
			if builder.Len() >= maxReasonSlug {
				break
			}
			continue
		}
		pendingDash = true
	}
	return builder.String()
}
