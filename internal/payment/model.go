// Package payment provides the order payment model, its persistence and the
// coordinator that drives charges and refunds against the gateway.
package payment

import (
	"encoding/json"
	"time"
)

// PaymentStatus is the payment lifecycle state of an order.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"
	StatusCancelled  PaymentStatus = "cancelled"
	StatusRefunded   PaymentStatus = "refunded"
)

// IsTerminal reports whether no further automatic transition happens from s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Order is the subset of an order row the payment engine reads and writes.
type Order struct {
	ID                 string        `json:"id"`
	CustomerID         string        `json:"customer_id"`
	AmountCents        int64         `json:"amount_cents"`
	Currency           string        `json:"currency"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
	IdempotencyKey     *string       `json:"idempotency_key,omitempty"`
	PaymentGatewayID   *string       `json:"payment_gateway_id,omitempty"`
	PaymentAttempts    int           `json:"payment_attempts"`
	LastPaymentAttempt *time.Time    `json:"last_payment_attempt,omitempty"`
	ReconcileAttempts  int           `json:"reconcile_attempts"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Key returns the bound idempotency key or "".
func (o *Order) Key() string {
	if o.IdempotencyKey == nil {
		return ""
	}
	return *o.IdempotencyKey
}

// GatewayID returns the external charge reference or "".
func (o *Order) GatewayID() string {
	if o.PaymentGatewayID == nil {
		return ""
	}
	return *o.PaymentGatewayID
}

// LogStatus is the lifecycle label of a payment log entry.
type LogStatus string

const (
	LogInitiated       LogStatus = "initiated"
	LogSuccess         LogStatus = "success"
	LogFailed          LogStatus = "failed"
	LogWebhookSuccess  LogStatus = "webhook_success"
	LogWebhookFailed   LogStatus = "webhook_failed"
	LogReconcileOK     LogStatus = "reconcile_success"
	LogReconcileFailed LogStatus = "reconcile_failed"
)

// PaymentLogEntry is an append-only audit record. It never drives order state.
type PaymentLogEntry struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	IdempotencyKey  *string         `json:"idempotency_key,omitempty"`
	Status          LogStatus       `json:"status"`
	Attempt         int             `json:"attempt,omitempty"`
	AmountCents     int64           `json:"amount_cents"`
	Currency        string          `json:"currency"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RefundStatus is the state of a refund log entry.
type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
)

// RefundLogEntry tracks one refund request from creation to gateway outcome.
type RefundLogEntry struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	GatewayRefundID *string         `json:"gateway_refund_id,omitempty"`
	AmountCents     int64           `json:"amount_cents"`
	Reason          string          `json:"reason,omitempty"`
	Status          RefundStatus    `json:"status"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Transition describes a guarded status change on a single order. The change
// applies only when the current status is one of From. Log is appended when the
// change applies, or always when AlwaysLog is set. A non-empty EventID is
// recorded in the same transaction; a repeated EventID makes the whole
// transition a no-op.
type Transition struct {
	OrderID   string
	From      []PaymentStatus
	To        PaymentStatus
	GatewayID string
	Log       *PaymentLogEntry
	AlwaysLog bool
	EventID   string
	EventType string
}

func (t Transition) allows(s PaymentStatus) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// RefundUpdate moves a refund out of pending from the synchronous path.
type RefundUpdate struct {
	RefundID        string
	Status          RefundStatus
	GatewayRefundID string
	GatewayResponse json.RawMessage
}

// RefundOutcome is a gateway-reported refund result. The refund is matched by
// GatewayRefundID first and RefundID second.
type RefundOutcome struct {
	GatewayRefundID string
	RefundID        string
	Status          RefundStatus
	GatewayResponse json.RawMessage
	EventID         string
	EventType       string
}
