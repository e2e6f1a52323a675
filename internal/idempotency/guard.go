package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/paycapture/internal/payment"
)

// OrderLookup finds the order an idempotency key is bound to.
type OrderLookup interface {
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*payment.Order, error)
}

// Guard checks idempotency keys before a charge. The check itself is advisory;
// the unique key constraint enforced when the key is bound is what stops two
// racing callers from both charging.
type Guard struct {
	orders OrderLookup
}

// NewGuard creates a guard backed by the order store.
func NewGuard(orders OrderLookup) *Guard {
	return &Guard{orders: orders}
}

// Validate returns the order already bound to key, or nil if the key is
// unused. When orderID is non-empty and the key belongs to another order it
// fails with payment.ErrIdempotencyConflict.
func (g *Guard) Validate(ctx context.Context, key, orderID string) (*payment.Order, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	existing, err := g.orders.GetOrderByIdempotencyKey(ctx, key)
	if errors.Is(err, payment.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up idempotency key: %w", err)
	}

	if orderID != "" && existing.ID != orderID {
		return nil, fmt.Errorf("%w: key %q", payment.ErrIdempotencyConflict, key)
	}
	return existing, nil
}
