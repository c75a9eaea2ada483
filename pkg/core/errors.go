package core

import "errors"

// Failure taxonomy for the exchange. Every error raised inside a ledger
// transaction rolls the whole transaction back before surfacing, so a
// caller never observes a partially applied match.
var (
	// ErrInvalidOrder covers malformed quantity/price/instrument.
	// Rejected before matching, never partially applied.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInsufficientFunds means a balance update would have driven an
	// amount negative. Inside a match it aborts the whole transaction.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOrderNotCancellable means a cancel targeted an order already
	// in a terminal state (filled or cancelled).
	ErrOrderNotCancellable = errors.New("order not cancellable")

	// ErrInstrumentNotFound means the ticker is unknown.
	ErrInstrumentNotFound = errors.New("instrument not found")

	// ErrOrderNotFound means the order id is unknown, or not visible
	// to the requesting user.
	ErrOrderNotFound = errors.New("order not found")

	// ErrUserNotFound means the user id or API key is unknown.
	ErrUserNotFound = errors.New("user not found")

	// ErrConcurrencyConflict means the store detected a conflicting
	// concurrent mutation at commit. The whole Submit/Cancel call may
	// be retried; resuming mid-match is never safe.
	ErrConcurrencyConflict = errors.New("concurrent transaction conflict")
)
