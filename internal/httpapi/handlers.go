package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/MarkoPoloResearchLab/scanledger/internal/credits"
	"github.com/MarkoPoloResearchLab/scanledger/internal/gateway/stripe"
	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger      *zap.Logger
	cfg         Config
	webhooks    *credits.WebhookController
	admin       *credits.AdminController
	refunds     *credits.RefundController
	consumption *credits.ConsumptionController
	statements  *credits.StatementController
}

type adjustRequest struct {
	Email  string `json:"email"`
	Delta  *int64 `json:"delta"`
	Reason string `json:"reason"`
}

type consumeRequest struct {
	ScanID string `json:"scanId"`
}

type creditPackRefundRequest struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type unlockRefundRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	EventType      string          `json:"event_type"`
	CreditsDelta   int64           `json:"credits_delta"`
	BalanceAfter   int64           `json:"balance_after"`
	Sequence       int64           `json:"sequence"`
	Reference      string          `json:"reference"`
	Note           string          `json:"note"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type accountPayload struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Balance   int64  `json:"balance"`
}

func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "unreadable body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.webhooks.Handle(requestCtx, payload, ctx.GetHeader(stripe.SignatureHeaderName))
	if err != nil {
		status, code := statusForError(err)
		if status != http.StatusBadRequest {
			status = http.StatusInternalServerError
			handler.logger.Error("webhook handling failed", zap.Error(err))
		}
		ctx.JSON(status, errorResponse(code, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"received": true,
		"outcome":  string(result.Outcome),
		"event_id": result.EventID,
		"credits":  result.Credits,
	})
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	identity, ok := handler.identity(ctx)
	if !ok {
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	statement, err := handler.statements.Statement(requestCtx, identity, limit)
	if err != nil {
		handler.respondError(ctx, "account statement failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account": toAccountPayload(statement.Account),
		"entries": toEntryPayloads(statement.Entries),
	})
}

func (handler *httpHandler) handleUnlock(ctx *gin.Context) {
	identity, ok := handler.identity(ctx)
	if !ok {
		return
	}
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "expected JSON body with scanId"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.consumption.Consume(requestCtx, identity, request.ScanID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			ctx.JSON(http.StatusPaymentRequired, gin.H{
				"error":  gin.H{"code": "insufficient_credits", "message": "purchase credits to unlock this scan"},
				"scanId": request.ScanID,
			})
			return
		}
		handler.respondError(ctx, "scan unlock failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"scanId":   request.ScanID,
		"balance":  result.Balance.Int64(),
		"replayed": result.Replayed,
		"entry":    toEntryPayload(result.Entry),
	})
}

func (handler *httpHandler) handleAdminCredits(ctx *gin.Context) {
	actor, ok := handler.identity(ctx)
	if !ok {
		return
	}
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Delta == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "expected JSON body with email, delta and reason"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.admin.Adjust(requestCtx, actor, credits.AdjustRequest{
		TargetEmail: request.Email,
		Delta:       *request.Delta,
		Reason:      request.Reason,
	})
	if err != nil {
		handler.respondError(ctx, "admin adjustment failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"email":          result.Email.String(),
		"balance_before": result.BalanceBefore.Int64(),
		"balance_after":  result.BalanceAfter.Int64(),
		"entry":          toEntryPayload(result.Entry),
	})
}

func (handler *httpHandler) handleCreditPackRefund(ctx *gin.Context) {
	actor, ok := handler.identity(ctx)
	if !ok {
		return
	}
	var request creditPackRefundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "expected JSON body with sessionId"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.refunds.RefundCreditPack(requestCtx, actor, request.SessionID, request.Reason)
	if err != nil {
		handler.respondError(ctx, "credit pack refund failed", err)
		return
	}
	ctx.JSON(http.StatusOK, refundResponse(result))
}

func (handler *httpHandler) handleUnlockRefund(ctx *gin.Context) {
	actor, ok := handler.identity(ctx)
	if !ok {
		return
	}
	var request unlockRefundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.refunds.RefundLatestUnlock(requestCtx, actor, request.Email, request.Reason)
	if err != nil {
		handler.respondError(ctx, "unlock refund failed", err)
		return
	}
	ctx.JSON(http.StatusOK, refundResponse(result))
}

func (handler *httpHandler) handleLedgerAudit(ctx *gin.Context) {
	actor, ok := handler.identity(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	audit, err := handler.statements.Audit(requestCtx, actor, ctx.Param("email"))
	if err != nil {
		handler.respondError(ctx, "ledger audit failed", err)
		return
	}
	chain := gin.H{
		"valid":           audit.ChainError == nil,
		"balance_matches": audit.BalanceMatches,
		"entries":         audit.Chain.Entries,
		"opening_balance": audit.Chain.OpeningBalance.Int64(),
		"closing_balance": audit.Chain.ClosingBalance.Int64(),
	}
	if audit.ChainError != nil {
		chain["error"] = audit.ChainError.Error()
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account": toAccountPayload(audit.Account),
		"entries": toEntryPayloads(audit.Entries),
		"chain":   chain,
	})
}

func (handler *httpHandler) identity(ctx *gin.Context) (credits.Identity, bool) {
	identity, err := identityFromContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("not_authenticated", "missing session"))
		return credits.Identity{}, false
	}
	return identity, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// respondError writes the mapped error; server-side failures are logged.
func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(message, zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func refundResponse(result credits.RefundResult) gin.H {
	return gin.H{
		"email":             result.Email.String(),
		"credits":           result.Credits,
		"balance_after":     result.BalanceAfter.Int64(),
		"gateway_refund_id": result.GatewayRefundID,
		"entry":             toEntryPayload(result.Entry),
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

func toAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		AccountID: account.ID.String(),
		Email:     account.Email.String(),
		Balance:   account.CreditBalance.Int64(),
	}
}

func toEntryPayloads(entries []ledger.Entry) []entryPayload {
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, toEntryPayload(entry))
	}
	return payloads
}

func toEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID,
		EventType:      entry.EventType.String(),
		CreditsDelta:   entry.CreditsDelta.Int64(),
		BalanceAfter:   entry.BalanceAfter.Int64(),
		Sequence:       entry.Sequence,
		Reference:      entry.Reference.String(),
		Note:           entry.Note.String(),
		Metadata:       json.RawMessage(entry.Metadata.String()),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}
