package ports

import (
	"context"
	"errors"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrConfigurationError = errors.New("invalid or missing configuration")
	ErrNotSupported       = errors.New("operation not supported by this adapter")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrFilterViolation      = errors.New("order violates exchange precision or notional filters")

	// Database Specific Errors
	ErrDuplicateEntry   = errors.New("database record already exists")
	ErrDBConnection     = errors.New("database connection error")
	ErrQueryFailed      = errors.New("database query failed")
	ErrUpdateFailed     = errors.New("database update failed")
	ErrDeleteFailed     = errors.New("database delete failed")
	ErrStoreUnavailable = errors.New("trade store unavailable")

	// Lifecycle Errors
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTradeNotFound     = errors.New("trade not found")
	ErrHalted            = errors.New("trading halted")
	ErrInvariant         = errors.New("trade invariant violated")
)

// IsTransient reports whether err is a network-level failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
