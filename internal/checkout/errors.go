package checkout

import "errors"

var (
	// ErrValidation covers bad line items or unknown variants. Not retryable.
	ErrValidation = errors.New("checkout: validation failed")

	// ErrInsufficientStock is surfaced as-is; the caller may retry with
	// adjusted quantities, we never retry automatically.
	ErrInsufficientStock = errors.New("checkout: insufficient stock")

	// ErrConflict means another attempt with the same idempotency key is in
	// flight. The caller retries later; proceeding would double-create.
	ErrConflict = errors.New("checkout: duplicate request in flight")

	// ErrNotCancellable: the order moved past the point where cancellation is
	// allowed (payment already settled or fulfillment started).
	ErrNotCancellable = errors.New("checkout: order can no longer be cancelled")
)
