package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrUnsupportedExchange  = errors.New("exchange is not supported")
	ErrOrderPlacementFailed = errors.New("failed to place close order")

	// Record Errors
	ErrMalformedRecord = errors.New("raw record is missing a required identity field")

	// Cache Specific Errors
	ErrCacheUnavailable = errors.New("trade cache backing store is unavailable")
	ErrQueryFailed      = errors.New("cache query failed")
	ErrUpdateFailed     = errors.New("cache update failed")
	ErrDeleteFailed     = errors.New("cache delete failed")
)

// IsTransient reports whether err represents a temporary exchange
// failure the caller may retry or degrade around, as opposed to an
// auth failure which is fatal for the request.
func IsTransient(err error) bool {
	return errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout)
}

// IsAuth reports whether err represents a credential failure.
// Auth failures are propagated immediately and never served from cache.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrInvalidAPIKeys)
}
