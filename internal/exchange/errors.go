package exchange

import (
	"context"
	"errors"
)

// Error taxonomy shared by all adapters. Concrete clients wrap their native
// failures with these sentinels so callers can branch with errors.Is without
// knowing exchange-specific codes.
var (
	ErrTimeout             = errors.New("exchange request timed out")
	ErrRateLimited         = errors.New("exchange rate limit exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMaxQuantityExceeded = errors.New("order quantity exceeds exchange maximum")
	ErrNotFound            = errors.New("not found on exchange")
	ErrNotRegistered       = errors.New("exchange not registered")
)

// IsTimeout reports whether err is a timeout, including context deadline
// expiry surfaced by the HTTP layer.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether the force-close retry ladder should try again
// with the same or an adjusted order.
func IsRetryable(err error) bool {
	return IsTimeout(err) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrMaxQuantityExceeded)
}
