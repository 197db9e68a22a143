package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrUnknownOperation = errors.New("unknown operation kind")
	ErrUnknownProvider  = errors.New("unknown provider")

	// ErrJobAlreadyTerminal is returned when a transition is requested on a
	// job that already reached a terminal status.
	ErrJobAlreadyTerminal = errors.New("job already in terminal status")

	// ErrDuplicateDelivery marks a webhook delivery that was already
	// recorded. The callback is acknowledged without reprocessing.
	ErrDuplicateDelivery = errors.New("webhook delivery already recorded")
)

// InsufficientCreditError reports a denied reservation. It is an expected
// outcome of submission, surfaced to the client with the exact deficit.
type InsufficientCreditError struct {
	Required int64
	Balance  int64
	Deficit  int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, balance %d, deficit %d", e.Required, e.Balance, e.Deficit)
}

// ProviderSubmissionError wraps a provider rejection or transport failure at
// submission time. The job fails and the charge is refunded.
type ProviderSubmissionError struct {
	Provider string
	Err      error
}

func (e *ProviderSubmissionError) Error() string {
	return fmt.Sprintf("provider %s submission failed: %v", e.Provider, e.Err)
}

func (e *ProviderSubmissionError) Unwrap() error { return e.Err }
