package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound is returned when an order does not exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrRefundNotFound is returned when no refund matches a lookup.
	ErrRefundNotFound = errors.New("refund not found")

	// ErrIdempotencyConflict is returned when a key is already bound to a different order.
	ErrIdempotencyConflict = errors.New("idempotency key is bound to a different order")

	// ErrIdempotencyKeyTaken is returned by a store when binding a key violates
	// its uniqueness. Callers re-run the idempotency check to classify it.
	ErrIdempotencyKeyTaken = errors.New("idempotency key already bound")

	// ErrInvalidTransition is returned when an order is not in a state that
	// allows the requested change.
	ErrInvalidTransition = errors.New("invalid payment status transition")

	// ErrServiceUnavailable is returned when the gateway circuit is open.
	ErrServiceUnavailable = errors.New("payment service temporarily unavailable")

	// ErrPaymentInProgress is returned when a replayed request finds the original
	// still processing and the caller stopped waiting.
	ErrPaymentInProgress = errors.New("payment is still processing")

	// ErrRefundValidation is the sentinel matched by every RefundValidationError.
	ErrRefundValidation = errors.New("refund validation failed")

	// ErrRefundExceedsRemaining is returned by a store when a refund would push
	// the order's non-failed refunds above its total.
	ErrRefundExceedsRemaining = errors.New("refund exceeds refundable remainder")

	// ErrInvalidAmount is returned when a charge amount is not positive or does
	// not match the order total.
	ErrInvalidAmount = errors.New("invalid payment amount")
)

// PaymentProcessingError is returned when a payment definitively failed, either
// because every attempt was exhausted or because the gateway declined.
type PaymentProcessingError struct {
	OrderID  string
	Attempts int
	Err      error
}

func (e *PaymentProcessingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("payment for order %s failed after %d attempt(s)", e.OrderID, e.Attempts)
	}
	return fmt.Sprintf("payment for order %s failed after %d attempt(s): %v", e.OrderID, e.Attempts, e.Err)
}

func (e *PaymentProcessingError) Unwrap() error { return e.Err }

// RefundValidationError describes why a refund request was refused before any
// gateway call.
type RefundValidationError struct {
	OrderID string
	Reason  string
}

func (e *RefundValidationError) Error() string {
	return fmt.Sprintf("refund for order %s rejected: %s", e.OrderID, e.Reason)
}

func (e *RefundValidationError) Unwrap() error { return ErrRefundValidation }

// serviceUnavailable wraps cause so both ErrServiceUnavailable and cause match.
func serviceUnavailable(cause error) error {
	if cause == nil {
		return ErrServiceUnavailable
	}
	return fmt.Errorf("%w: %w", ErrServiceUnavailable, cause)
}
