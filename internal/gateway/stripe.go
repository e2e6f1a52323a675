package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeConfig configures a StripeGateway.
type StripeConfig struct {
	APIKey  string
	Timeout time.Duration
	// Backends overrides the Stripe API endpoint, used by tests.
	Backends *stripe.Backends
}

// StripeGateway implements Client with Stripe PaymentIntents and Refunds.
type StripeGateway struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeGateway creates a gateway with its own Stripe client instance.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	api := &client.API{}
	api.Init(cfg.APIKey, cfg.Backends)
	return &StripeGateway{api: api, timeout: cfg.Timeout}
}

// Charge creates and confirms a PaymentIntent for the order.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
		Confirm:  stripe.Bool(true),
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
	}
	params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
		Enabled:        stripe.Bool(true),
		AllowRedirects: stripe.String("never"),
	}
	if req.CustomerID != "" {
		params.AddMetadata("customer_id", req.CustomerID)
	}
	params.AddMetadata("order_id", req.OrderRef)
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.Context = cctx

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, g.classify(ctx, cctx, "charge", err)
	}
	raw := rawResponse(pi.LastResponse)

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &ChargeResult{ChargeID: pi.ID, Raw: raw}, nil
	case stripe.PaymentIntentStatusProcessing:
		return nil, &RejectedError{
			Op: "charge", Code: string(pi.Status), Retryable: true, Raw: raw,
			Message: "payment intent " + pi.ID + " is still processing",
		}
	default:
		// requires_action and friends cannot complete server-side.
		return nil, &RejectedError{
			Op: "charge", Code: string(pi.Status), Raw: raw,
			Message: "payment intent " + pi.ID + " did not succeed",
		}
	}
}

// Refund refunds the given PaymentIntent.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ChargeID),
		Amount:        stripe.Int64(req.AmountCents),
	}
	if req.RefundRef != "" {
		params.AddMetadata("refund_id", req.RefundRef)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.Context = cctx

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, g.classify(ctx, cctx, "refund", err)
	}
	raw := rawResponse(r.LastResponse)
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return nil, &RejectedError{
			Op: "refund", Code: string(r.Status), Raw: raw,
			Message: "refund " + r.ID + " was not accepted",
		}
	}
	return &RefundResult{RefundID: r.ID, Raw: raw}, nil
}

// ChargeStatus fetches the PaymentIntent by id, or searches by order metadata
// when the id is not known yet.
func (g *StripeGateway) ChargeStatus(ctx context.Context, orderRef, chargeID string) (*ChargeStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var pi *stripe.PaymentIntent
	if chargeID != "" {
		params := &stripe.PaymentIntentParams{}
		params.Context = cctx
		found, err := g.api.PaymentIntents.Get(chargeID, params)
		if err != nil {
			return nil, g.classify(ctx, cctx, "status", err)
		}
		pi = found
	} else {
		params := &stripe.PaymentIntentSearchParams{}
		params.Query = fmt.Sprintf("metadata['order_id']:'%s'", orderRef)
		params.Context = cctx
		iter := g.api.PaymentIntents.Search(params)
		for iter.Next() {
			if cur := iter.PaymentIntent(); preferIntent(cur, pi) {
				pi = cur
			}
		}
		if err := iter.Err(); err != nil {
			return nil, g.classify(ctx, cctx, "status", err)
		}
		if pi == nil {
			return &ChargeStatus{State: ChargeUnknown}, nil
		}
	}

	return &ChargeStatus{
		State:    mapIntentStatus(pi.Status),
		ChargeID: pi.ID,
		Raw:      rawResponse(pi.LastResponse),
	}, nil
}

// preferIntent reports whether cur should replace best. A succeeded intent
// always wins; otherwise the newest one does.
func preferIntent(cur, best *stripe.PaymentIntent) bool {
	if best == nil {
		return true
	}
	if best.Status == stripe.PaymentIntentStatusSucceeded {
		return false
	}
	return cur.Status == stripe.PaymentIntentStatusSucceeded || cur.Created > best.Created
}

func mapIntentStatus(s stripe.PaymentIntentStatus) ChargeState {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return ChargeSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return ChargeCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return ChargeFailed
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture:
		return ChargePending
	default:
		return ChargeUnknown
	}
}

// classify maps a Stripe client error to TimeoutError or RejectedError. Caller
// cancellation is returned unchanged.
func (g *StripeGateway) classify(parent, call context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Timeout: g.timeout, Err: err}
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		re := &RejectedError{
			Op:      op,
			Code:    string(se.Code),
			Message: se.Msg,
			Err:     err,
		}
		if se.LastResponse != nil {
			re.Raw = rawResponse(se.LastResponse)
		}
		switch {
		case se.HTTPStatusCode >= http.StatusInternalServerError:
			re.Retryable = true
		case se.HTTPStatusCode == http.StatusTooManyRequests:
			re.Retryable = true
		case se.Code == stripe.ErrorCodeRateLimit, se.Code == stripe.ErrorCodeLockTimeout:
			re.Retryable = true
		}
		if re.Code == "" {
			re.Code = string(se.Type)
		}
		return re
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, Timeout: g.timeout, Err: err}
	}
	retryable := errors.As(err, &netErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
	return &RejectedError{Op: op, Message: err.Error(), Retryable: retryable, Err: err}
}

func rawResponse(resp *stripe.APIResponse) json.RawMessage {
	if resp == nil || len(resp.RawJSON) == 0 || !json.Valid(resp.RawJSON) {
		return nil
	}
	return json.RawMessage(resp.RawJSON)
}
