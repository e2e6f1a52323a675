// Package webhook verifies and applies asynchronous gateway callbacks.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is a gateway callback kind. Only the values declared below are
// handled; anything else parses to ErrUnsupportedEvent.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentCancelled EventType = "payment.cancelled"
	EventRefundSucceeded  EventType = "refund.succeeded"
	EventRefundFailed     EventType = "refund.failed"
)

var (
	// ErrUnsupportedEvent is returned for verified events of an unknown type.
	// Callers acknowledge these without acting on them.
	ErrUnsupportedEvent = errors.New("unsupported webhook event type")

	// ErrMalformedEvent is returned for verified bodies that cannot be decoded
	// or lack the references their type requires.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// ParseEventType maps a wire type to a known EventType.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventPaymentSucceeded, EventPaymentFailed, EventPaymentCancelled,
		EventRefundSucceeded, EventRefundFailed:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedEvent, s)
}

// IsRefund reports whether t concerns a refund rather than a charge.
func (t EventType) IsRefund() bool {
	return t == EventRefundSucceeded || t == EventRefundFailed
}

// Event is a decoded gateway callback.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the references an event applies to.
type EventData struct {
	OrderID  string `json:"order_id"`
	ChargeID string `json:"charge_id"`
	RefundID string `json:"refund_id"`
	// RefundReference is the local refund id echoed back by the gateway.
	RefundReference string `json:"refund_reference"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

// decodeEvent parses body and validates the references for its type.
func decodeEvent(body []byte) (*Event, EventType, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return nil, "", fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	t, err := ParseEventType(ev.Type)
	if err != nil {
		return &ev, "", err
	}
	if t.IsRefund() {
		if ev.Data.RefundID == "" && ev.Data.RefundReference == "" {
			return nil, "", fmt.Errorf("%w: %s without refund reference", ErrMalformedEvent, t)
		}
	} else if ev.Data.OrderID == "" {
		return nil, "", fmt.Errorf("%w: %s without order_id", ErrMalformedEvent, t)
	}
	return &ev, t, nil
}
