package payment

import (
	"context"
	"time"
)

// Store persists orders, payment logs, refunds and processed webhook events.
// Every method that changes an order does so atomically together with its log
// entry; the order row is the serialization boundary.
type Store interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	// GetOrderByIdempotencyKey returns ErrOrderNotFound when the key is unbound.
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error)

	// BeginAttempt binds key to the order, moves it from pending or failed to
	// processing, increments paymentAttempts, stamps lastPaymentAttempt and
	// appends log. It returns ErrIdempotencyKeyTaken when another order holds
	// the key and ErrInvalidTransition when the order is not payable.
	BeginAttempt(ctx context.Context, orderID, key string, at time.Time, log *PaymentLogEntry) (*Order, error)

	AppendPaymentLog(ctx context.Context, entry *PaymentLogEntry) error
	ListPaymentLogs(ctx context.Context, orderID string) ([]PaymentLogEntry, error)

	// ApplyTransition returns the order after the call and whether the
	// transition applied.
	ApplyTransition(ctx context.Context, t Transition) (*Order, bool, error)

	// ListStuckOrders returns processing orders whose last attempt is older
	// than before, oldest first.
	ListStuckOrders(ctx context.Context, before time.Time, limit int) ([]Order, error)
	// DeferReconcile stamps lastPaymentAttempt and increments
	// reconcileAttempts on a processing order.
	DeferReconcile(ctx context.Context, orderID string, at time.Time) (*Order, error)

	// CreateRefund inserts a pending refund. It returns ErrInvalidTransition
	// unless the order is completed and ErrRefundExceedsRemaining when the
	// amount is above the total minus existing non-failed refunds.
	CreateRefund(ctx context.Context, refund *RefundLogEntry) error
	// UpdateRefund only moves refunds that are still pending.
	UpdateRefund(ctx context.Context, u RefundUpdate) (*RefundLogEntry, error)
	// ApplyRefundOutcome resolves a pending or processing refund. A completed
	// refund moves its order from completed to refunded in the same transaction.
	ApplyRefundOutcome(ctx context.Context, o RefundOutcome) (bool, error)
	ListRefunds(ctx context.Context, orderID string) ([]RefundLogEntry, error)
}
