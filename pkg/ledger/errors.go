package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrAccountNotFound      = errors.New("account not found")
	ErrEntryNotFound        = errors.New("entry not found")
	ErrConcurrentUpdate     = errors.New("concurrent account update")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidEmail         = errors.New("invalid email")
	ErrInvalidReference     = errors.New("invalid reference")
	ErrInvalidCreditsDelta  = errors.New("invalid credits delta")
	ErrInvalidEventType     = errors.New("invalid event type")
	ErrInvalidSequence      = errors.New("invalid sequence")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidBalance       = errors.New("invalid balance")
	ErrBrokenChain          = errors.New("ledger chain broken")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
