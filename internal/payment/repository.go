package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements Store with in-memory storage. A single mutex makes
// every method one atomic step.
type InMemoryStore struct {
	mu      sync.RWMutex
	orders  map[string]*Order
	byKey   map[string]string // idempotency key -> order id
	logs    map[string][]PaymentLogEntry
	refunds map[string]*RefundLogEntry
	events  map[string]string // event id -> event type
	now     func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders:  make(map[string]*Order),
		byKey:   make(map[string]string),
		logs:    make(map[string][]PaymentLogEntry),
		refunds: make(map[string]*RefundLogEntry),
		events:  make(map[string]string),
		now:     time.Now,
	}
}

func copyOrder(o *Order) *Order {
	c := *o
	if o.IdempotencyKey != nil {
		k := *o.IdempotencyKey
		c.IdempotencyKey = &k
	}
	if o.PaymentGatewayID != nil {
		g := *o.PaymentGatewayID
		c.PaymentGatewayID = &g
	}
	if o.LastPaymentAttempt != nil {
		t := *o.LastPaymentAttempt
		c.LastPaymentAttempt = &t
	}
	return &c
}

func copyRefund(r *RefundLogEntry) *RefundLogEntry {
	c := *r
	if r.GatewayRefundID != nil {
		g := *r.GatewayRefundID
		c.GatewayRefundID = &g
	}
	return &c
}

// CreateOrder inserts a new order. An empty status defaults to pending.
func (s *InMemoryStore) CreateOrder(_ context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = StatusPending
	}
	if k := order.Key(); k != "" {
		if _, taken := s.byKey[k]; taken {
			return ErrIdempotencyKeyTaken
		}
		s.byKey[k] = order.ID
	}
	now := s.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	s.orders[order.ID] = copyOrder(order)
	return nil
}

// GetOrder retrieves an order by ID.
func (s *InMemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

// GetOrderByIdempotencyKey retrieves the order bound to key.
func (s *InMemoryStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(s.orders[id]), nil
}

// BeginAttempt binds key and moves the order to processing.
func (s *InMemoryStore) BeginAttempt(_ context.Context, orderID, key string, at time.Time, log *PaymentLogEntry) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if holder, taken := s.byKey[key]; taken && holder != orderID {
		return nil, ErrIdempotencyKeyTaken
	}
	if o.PaymentStatus != StatusPending && o.PaymentStatus != StatusFailed {
		return nil, ErrInvalidTransition
	}

	if old := o.Key(); old != "" && old != key {
		delete(s.byKey, old)
	}
	s.byKey[key] = orderID
	k := key
	o.IdempotencyKey = &k
	o.PaymentStatus = StatusProcessing
	o.PaymentAttempts++
	t := at
	o.LastPaymentAttempt = &t
	o.UpdatedAt = s.now()

	if log != nil {
		s.appendLocked(log)
	}
	return copyOrder(o), nil
}

func (s *InMemoryStore) appendLocked(entry *PaymentLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.logs[entry.OrderID] = append(s.logs[entry.OrderID], *entry)
}

// AppendPaymentLog appends an audit entry.
func (s *InMemoryStore) AppendPaymentLog(_ context.Context, entry *PaymentLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[entry.OrderID]; !ok {
		return ErrOrderNotFound
	}
	s.appendLocked(entry)
	return nil
}

// ListPaymentLogs returns an order's log entries in insertion order.
func (s *InMemoryStore) ListPaymentLogs(_ context.Context, orderID string) ([]PaymentLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PaymentLogEntry, len(s.logs[orderID]))
	copy(out, s.logs[orderID])
	return out, nil
}

// ApplyTransition applies a guarded status change.
func (s *InMemoryStore) ApplyTransition(_ context.Context, t Transition) (*Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[t.OrderID]
	if !ok {
		return nil, false, ErrOrderNotFound
	}
	if t.EventID != "" {
		if _, seen := s.events[t.EventID]; seen {
			return copyOrder(o), false, nil
		}
		s.events[t.EventID] = t.EventType
	}

	applied := t.allows(o.PaymentStatus)
	if applied {
		o.PaymentStatus = t.To
		if t.GatewayID != "" {
			g := t.GatewayID
			o.PaymentGatewayID = &g
		}
		o.UpdatedAt = s.now()
	}
	if t.Log != nil && (applied || t.AlwaysLog) {
		s.appendLocked(t.Log)
	}
	return copyOrder(o), applied, nil
}

// ListStuckOrders returns processing orders last attempted before the cutoff.
func (s *InMemoryStore) ListStuckOrders(_ context.Context, before time.Time, limit int) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Order
	for _, o := range s.orders {
		if o.PaymentStatus != StatusProcessing || o.LastPaymentAttempt == nil {
			continue
		}
		if o.LastPaymentAttempt.Before(before) {
			out = append(out, *copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastPaymentAttempt.Before(*out[j].LastPaymentAttempt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeferReconcile refreshes lastPaymentAttempt on a processing order.
func (s *InMemoryStore) DeferReconcile(_ context.Context, orderID string, at time.Time) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.PaymentStatus != StatusProcessing {
		return nil, ErrInvalidTransition
	}
	t := at
	o.LastPaymentAttempt = &t
	o.ReconcileAttempts++
	o.UpdatedAt = s.now()
	return copyOrder(o), nil
}

// CreateRefund inserts a pending refund for a completed order, keeping the
// sum of non-failed refunds within the order total.
func (s *InMemoryStore) CreateRefund(_ context.Context, refund *RefundLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[refund.OrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.PaymentStatus != StatusCompleted {
		return ErrInvalidTransition
	}
	var committed int64
	for _, r := range s.refunds {
		if r.OrderID == o.ID && r.Status != RefundFailed {
			committed += r.AmountCents
		}
	}
	if refund.AmountCents > o.AmountCents-committed {
		return ErrRefundExceedsRemaining
	}
	if refund.ID == "" {
		refund.ID = uuid.New().String()
	}
	if refund.Status == "" {
		refund.Status = RefundPending
	}
	now := s.now()
	refund.CreatedAt = now
	refund.UpdatedAt = now
	s.refunds[refund.ID] = copyRefund(refund)
	return nil
}

// UpdateRefund moves a pending refund to u.Status.
func (s *InMemoryStore) UpdateRefund(_ context.Context, u RefundUpdate) (*RefundLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refunds[u.RefundID]
	if !ok {
		return nil, ErrRefundNotFound
	}
	if r.Status != RefundPending {
		return copyRefund(r), ErrInvalidTransition
	}
	r.Status = u.Status
	if u.GatewayRefundID != "" {
		g := u.GatewayRefundID
		r.GatewayRefundID = &g
	}
	if len(u.GatewayResponse) > 0 {
		r.GatewayResponse = u.GatewayResponse
	}
	r.UpdatedAt = s.now()
	return copyRefund(r), nil
}

func (s *InMemoryStore) findRefundLocked(gatewayRefundID, refundID string) *RefundLogEntry {
	if gatewayRefundID != "" {
		for _, r := range s.refunds {
			if r.GatewayRefundID != nil && *r.GatewayRefundID == gatewayRefundID {
				return r
			}
		}
	}
	if refundID != "" {
		return s.refunds[refundID]
	}
	return nil
}

// ApplyRefundOutcome resolves an open refund and, on completion, marks the
// parent order refunded.
func (s *InMemoryStore) ApplyRefundOutcome(_ context.Context, o RefundOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findRefundLocked(o.GatewayRefundID, o.RefundID)
	if r == nil {
		return false, ErrRefundNotFound
	}
	if o.EventID != "" {
		if _, seen := s.events[o.EventID]; seen {
			return false, nil
		}
		s.events[o.EventID] = o.EventType
	}
	if r.Status != RefundPending && r.Status != RefundProcessing {
		return false, nil
	}

	now := s.now()
	r.Status = o.Status
	if o.GatewayRefundID != "" && r.GatewayRefundID == nil {
		g := o.GatewayRefundID
		r.GatewayRefundID = &g
	}
	if len(o.GatewayResponse) > 0 {
		r.GatewayResponse = o.GatewayResponse
	}
	r.UpdatedAt = now

	if o.Status == RefundCompleted {
		if order, ok := s.orders[r.OrderID]; ok && order.PaymentStatus == StatusCompleted {
			order.PaymentStatus = StatusRefunded
			order.UpdatedAt = now
		}
	}
	return true, nil
}

// ListRefunds returns an order's refunds, oldest first.
func (s *InMemoryStore) ListRefunds(_ context.Context, orderID string) ([]RefundLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RefundLogEntry
	for _, r := range s.refunds {
		if r.OrderID == orderID {
			out = append(out, *copyRefund(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
