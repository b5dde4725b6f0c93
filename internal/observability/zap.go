package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger writes ledger operations as structured log records.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger; a nil logger discards records.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger.Named("ledger")}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("event_type", entry.EventType.String()),
		zap.Int64("credits_delta", entry.CreditsDelta.Int64()),
		zap.Int64("balance_after", entry.BalanceAfter.Int64()),
		zap.String("reference", entry.Reference.String()),
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
