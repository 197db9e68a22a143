package domain

import "errors"

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateRefund is returned by the transaction repository when a
	// refund for the same job already exists (unique constraint). Callers
	// resolve it to the original refund transaction; it is not surfaced.
	ErrDuplicateRefund = errors.New("refund already recorded for job")

	ErrInvalidAmount = errors.New("amount must be positive")
)
