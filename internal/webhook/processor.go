package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/paycapture/internal/payment"
	"github.com/onnwee/paycapture/internal/tracing"
)

// Config configures a Processor.
type Config struct {
	Store   payment.Store
	Secret  string
	Logger  *slog.Logger
	Metrics *Metrics
}

// Processor verifies gateway callbacks and applies them to orders and refunds.
// Every event's effects commit in a single store transaction, so a delivery
// that fails part way can be redelivered safely.
type Processor struct {
	store   payment.Store
	secret  string
	logger  *slog.Logger
	metrics *Metrics
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:   cfg.Store,
		secret:  cfg.Secret,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Handle verifies signature over the raw body and then applies the event.
// It returns a *VerificationError before touching the body when the signature
// does not match, ErrUnsupportedEvent for unknown types and ErrMalformedEvent
// for undecodable bodies. Redelivered events are no-ops.
func (p *Processor) Handle(ctx context.Context, body []byte, signature string) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "webhook.handle")
	defer func() { endSpan(err) }()

	if err := VerifySignature(body, signature, p.secret); err != nil {
		p.logger.WarnContext(ctx, "webhook signature verification failed",
			slog.String("event", "security"),
			slog.String("reason", err.(*VerificationError).Reason),
			slog.Int("body_bytes", len(body)))
		p.metrics.inc("", ResultInvalidSignature)
		return err
	}

	ev, t, err := decodeEvent(body)
	switch {
	case errors.Is(err, ErrUnsupportedEvent):
		p.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			slog.String("event_type", ev.Type),
			slog.String("event_id", ev.ID))
		p.metrics.inc("unsupported", ResultIgnored)
		return err
	case err != nil:
		p.logger.WarnContext(ctx, "malformed webhook event", slog.String("error", err.Error()))
		p.metrics.inc("", ResultMalformed)
		return err
	}

	p.logger.InfoContext(ctx, "webhook event received",
		slog.String("event_type", string(t)),
		slog.String("event_id", ev.ID))

	var applied bool
	switch t {
	case EventPaymentSucceeded:
		applied, err = p.applyPayment(ctx, ev, t, payment.StatusCompleted, payment.LogWebhookSuccess,
			payment.StatusPending, payment.StatusProcessing, payment.StatusFailed, payment.StatusCancelled)
	case EventPaymentFailed:
		applied, err = p.applyPayment(ctx, ev, t, payment.StatusFailed, payment.LogWebhookFailed,
			payment.StatusPending, payment.StatusProcessing)
	case EventPaymentCancelled:
		applied, err = p.applyPayment(ctx, ev, t, payment.StatusCancelled, payment.LogWebhookFailed,
			payment.StatusPending, payment.StatusProcessing)
	case EventRefundSucceeded:
		applied, err = p.applyRefund(ctx, ev, t, payment.RefundCompleted)
	case EventRefundFailed:
		applied, err = p.applyRefund(ctx, ev, t, payment.RefundFailed)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedEvent, t)
	}

	if err != nil {
		p.logger.ErrorContext(ctx, "failed to apply webhook event",
			slog.String("event_type", string(t)),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
		p.metrics.inc(string(t), ResultError)
		return err
	}
	if applied {
		p.metrics.inc(string(t), ResultApplied)
	} else {
		p.logger.InfoContext(ctx, "webhook event already applied, ignoring",
			slog.String("event_type", string(t)),
			slog.String("event_id", ev.ID))
		p.metrics.inc(string(t), ResultNoop)
	}
	return nil
}

func (p *Processor) applyPayment(ctx context.Context, ev *Event, t EventType, to payment.PaymentStatus, logStatus payment.LogStatus, from ...payment.PaymentStatus) (bool, error) {
	o, applied, err := p.store.ApplyTransition(ctx, payment.Transition{
		OrderID:   ev.Data.OrderID,
		From:      from,
		To:        to,
		GatewayID: ev.Data.ChargeID,
		EventID:   ev.ID,
		EventType: string(t),
		Log: &payment.PaymentLogEntry{
			OrderID:         ev.Data.OrderID,
			Status:          logStatus,
			AmountCents:     ev.Data.Amount,
			Currency:        ev.Data.Currency,
			GatewayResponse: eventPayload(ev),
		},
	})
	if err != nil {
		return false, err
	}
	if applied {
		p.logger.InfoContext(ctx, "order payment status updated from webhook",
			slog.String("order_id", o.ID),
			slog.String("status", string(o.PaymentStatus)),
			slog.String("gateway_id", o.GatewayID()))
	}
	return applied, nil
}

func (p *Processor) applyRefund(ctx context.Context, ev *Event, t EventType, status payment.RefundStatus) (bool, error) {
	applied, err := p.store.ApplyRefundOutcome(ctx, payment.RefundOutcome{
		GatewayRefundID: ev.Data.RefundID,
		RefundID:        ev.Data.RefundReference,
		Status:          status,
		GatewayResponse: eventPayload(ev),
		EventID:         ev.ID,
		EventType:       string(t),
	})
	if err != nil {
		return false, err
	}
	if applied {
		p.logger.InfoContext(ctx, "refund status updated from webhook",
			slog.String("refund_id", ev.Data.RefundID),
			slog.String("status", string(status)))
	}
	return applied, nil
}

// eventPayload re-encodes the decoded event so only known fields are stored.
func eventPayload(ev *Event) json.RawMessage {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	return raw
}
