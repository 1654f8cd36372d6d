package ledger

import "errors"

// Business rule violations raised by Account.Apply. The apply stage
// converts any of these into a FAIL fact rather than propagating them.
var (
	// ErrInsufficientBalance rejects a withdraw that would take the
	// balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateTransaction rejects a deposit or withdraw whose
	// (transaction id, type) pair has already been applied.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrTargetNotFound rejects a transfer deposit into an account
	// with no history.
	ErrTargetNotFound = errors.New("transfer target account not found")

	// ErrInvalidAmount rejects non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrUnknownEventType rejects carriers with an unrecognised type.
	ErrUnknownEventType = errors.New("unknown event type")
)
