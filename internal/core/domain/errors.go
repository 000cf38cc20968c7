package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfig marks configuration errors. They abort before ingestion starts.
	ErrConfig = errors.New("config error")

	ErrUnknownChain        = fmt.Errorf("%w: unknown chain", ErrConfig)
	ErrUnknownProvider     = fmt.Errorf("%w: unknown provider", ErrConfig)
	ErrEmptyAPIKey         = fmt.Errorf("%w: empty api key", ErrConfig)
	ErrProviderUnavailable = fmt.Errorf("%w: provider unavailable for chain", ErrConfig)

	// ErrRPCUnavailable covers transport failures and timeouts.
	ErrRPCUnavailable = errors.New("rpc unavailable")

	// ErrRPCMalformedResponse is returned when a response cannot be decoded.
	ErrRPCMalformedResponse = errors.New("rpc malformed response")

	// ErrRPCNotFound is returned when the provider does not have the height yet.
	ErrRPCNotFound = errors.New("rpc block not found")

	// ErrPersistence wraps every storage failure.
	ErrPersistence = errors.New("persistence error")

	// ErrReconciliationExhausted means no consistent ancestor exists within
	// the chain's reorg depth.
	ErrReconciliationExhausted = errors.New("reconciliation exhausted")
)

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRPCUnavailable) ||
		errors.Is(err, ErrRPCMalformedResponse) ||
		errors.Is(err, ErrRPCNotFound) ||
		errors.Is(err, context.DeadlineExceeded)
}
