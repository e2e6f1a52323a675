// Package gateway defines the payment gateway contract used by the payment
// coordinator and the reconciler, and a Stripe-backed implementation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds every gateway call.
const DefaultTimeout = 30 * time.Second

// ChargeRequest is a single charge attempt. IdempotencyKey is forwarded to the
// gateway so a retried attempt cannot charge twice.
type ChargeRequest struct {
	AmountCents    int64
	Currency       string
	OrderRef       string
	CustomerID     string
	PaymentMethod  string
	IdempotencyKey string
}

// ChargeResult is the gateway's acceptance of a charge.
type ChargeResult struct {
	ChargeID string
	Raw      json.RawMessage
}

// RefundRequest refunds part or all of a completed charge. RefundRef is the
// local refund identifier, echoed back by refund webhooks.
type RefundRequest struct {
	ChargeID       string
	AmountCents    int64
	Reason         string
	RefundRef      string
	IdempotencyKey string
}

// RefundResult is the gateway's acceptance of a refund.
type RefundResult struct {
	RefundID string
	Raw      json.RawMessage
}

// ChargeState is the gateway's authoritative view of a charge.
type ChargeState string

const (
	ChargeSucceeded ChargeState = "succeeded"
	ChargeFailed    ChargeState = "failed"
	ChargeCancelled ChargeState = "cancelled"
	ChargePending   ChargeState = "pending"
	ChargeUnknown   ChargeState = "unknown"
)

// ChargeStatus is returned by a direct status query.
type ChargeStatus struct {
	State    ChargeState
	ChargeID string
	Raw      json.RawMessage
}

// Client performs charge and refund calls. Implementations bound every call by
// a hard timeout and report it as *TimeoutError.
type Client interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// ChargeStatus looks up the charge for orderRef. chargeID may be empty.
	ChargeStatus(ctx context.Context, orderRef, chargeID string) (*ChargeStatus, error)
}

// TimeoutError reports that the gateway did not answer in time. The charge may
// or may not have happened.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway %s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RejectedError reports an explicit gateway refusal. Retryable is set for
// refusals that may succeed later (outages, throttling, lock contention).
type RejectedError struct {
	Op        string
	Code      string
	Message   string
	Retryable bool
	Raw       json.RawMessage
	Err       error
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s rejected (%s): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %s rejected: %s", e.Op, e.Message)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// IsDecline reports whether err is a definitive, non-retryable refusal.
func IsDecline(err error) bool {
	var re *RejectedError
	return errors.As(err, &re) && !re.Retryable
}
