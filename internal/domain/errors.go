package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
	ErrLockLost          = errors.New("lock lost")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRecipientRejected = errors.New("recipient rejected transfer")
	ErrInvalidAmount     = errors.New("invalid amount")

	// ErrStaleRequest marks a fulfilment the consumer will never accept,
	// such as one for a request it no longer has outstanding.
	ErrStaleRequest = errors.New("stale randomness request")
)
