package ledger

import "context"

// Status values reported in OperationLog.Status.
const (
	OperationStatusOK       = "ok"
	OperationStatusReplayed = "replayed"
	OperationStatusError    = "error"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation    string
	AccountID    AccountID
	EventType    EventType
	CreditsDelta CreditsDelta
	BalanceAfter Credits
	Reference    Reference
	Status       string
	Error        error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithAppendAttempts bounds how many times AppendEntry retries after losing
// a concurrent account update.
func WithAppendAttempts(attempts uint) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.appendAttempts = attempts
		}
	}
}

// MultiOperationLogger fans an operation out to several loggers.
type MultiOperationLogger []OperationLogger

// LogOperation forwards entry to every non-nil logger.
func (loggers MultiOperationLogger) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
