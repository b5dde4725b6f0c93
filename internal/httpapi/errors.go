package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/scanledger/internal/credits"
	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: credits.ErrInvalidSignature, status: http.StatusBadRequest, code: "invalid_signature"},
	{target: credits.ErrInvalidRequest, status: http.StatusBadRequest, code: "invalid_request"},
	{target: credits.ErrNotCreditPack, status: http.StatusBadRequest, code: "not_credit_pack"},
	{target: credits.ErrDeltaTooLarge, status: http.StatusBadRequest, code: "delta_too_large"},
	{target: credits.ErrNotAuthenticated, status: http.StatusUnauthorized, code: "not_authenticated"},
	{target: credits.ErrNotAuthorized, status: http.StatusForbidden, code: "not_authorized"},
	{target: credits.ErrUserNotFound, status: http.StatusNotFound, code: "user_not_found"},
	{target: credits.ErrPurchaseNotFound, status: http.StatusNotFound, code: "purchase_not_found"},
	{target: credits.ErrNoUnlocksToRefund, status: http.StatusNotFound, code: "no_unlocks_to_refund"},
	{target: credits.ErrAlreadyRefunded, status: http.StatusConflict, code: "already_refunded"},
	{target: ledger.ErrInsufficientCredits, status: http.StatusPaymentRequired, code: "insufficient_credits"},
	{target: credits.ErrExternalGateway, status: http.StatusBadGateway, code: "external_gateway_error"},
	{target: credits.ErrPersistence, status: http.StatusInternalServerError, code: "persistence_error"},
	{target: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout"},
}

// statusForError maps a controller error to an HTTP status and a stable code.
func statusForError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
