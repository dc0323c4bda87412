package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrCapExceeded             = errors.New("balance cap exceeded")
	ErrNotAnonymous            = errors.New("scope is not anonymous")
	ErrNotAccount              = errors.New("scope is not an account")
	ErrBalanceMigrated         = errors.New("balance was migrated to an account")
	ErrBalanceNotFound         = errors.New("balance not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidDeviceID         = errors.New("invalid device id")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidScope            = errors.New("invalid owner scope")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidEntryType        = errors.New("invalid entry type")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
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
