package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/paycapture/internal/breaker"
	"github.com/onnwee/paycapture/internal/gateway"
	"github.com/onnwee/paycapture/internal/tracing"
)

// Coordinator defaults.
const (
	DefaultMaxAttempts        = 3
	DefaultBackoffBase        = time.Second
	DefaultReplayPollInterval = 100 * time.Millisecond
	DefaultBreakerKey         = "gateway"
	DefaultCurrency           = "usd"
)

// Guard checks an idempotency key before a charge. It returns the order
// already bound to the key, or nil when the key is unused.
type Guard interface {
	Validate(ctx context.Context, key, orderID string) (*Order, error)
}

// CoordinatorConfig holds the dependencies and settings of a Coordinator.
type CoordinatorConfig struct {
	Store    Store
	Guard    Guard
	Gateway  gateway.Client
	Breakers *breaker.Registry
	// BreakerKey selects the breaker guarding Gateway.
	BreakerKey string

	MaxAttempts        int
	BackoffBase        time.Duration
	ReplayPollInterval time.Duration

	// Sleep waits between attempts and must return early with ctx.Err() when
	// ctx ends. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	Logger  *slog.Logger
	Metrics *Metrics
}

// Coordinator drives payments and refunds through the gateway.
type Coordinator struct {
	store    Store
	guard    Guard
	gateway  gateway.Client
	breakers *breaker.Registry
	key      string

	maxAttempts  int
	backoffBase  time.Duration
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time

	logger  *slog.Logger
	metrics *Metrics
	flight  flightGroup
}

// NewCoordinator creates a coordinator, applying defaults to unset settings.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		store:        cfg.Store,
		guard:        cfg.Guard,
		gateway:      cfg.Gateway,
		breakers:     cfg.Breakers,
		key:          cfg.BreakerKey,
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		pollInterval: cfg.ReplayPollInterval,
		sleep:        cfg.Sleep,
		now:          cfg.Now,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if c.breakers == nil {
		c.breakers = breaker.NewRegistry(breaker.Settings{})
	}
	if c.key == "" {
		c.key = DefaultBreakerKey
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.backoffBase <= 0 {
		c.backoffBase = DefaultBackoffBase
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultReplayPollInterval
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the wait after the given 1-based attempt: base * 2^(attempt-1).
func (c *Coordinator) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.backoffBase << (attempt - 1)
}

// PaymentRequest is a checkout caller's request to capture an order's total.
type PaymentRequest struct {
	OrderID        string `json:"order_id"`
	CustomerID     string `json:"customer_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"-"`
	PaymentMethod  string `json:"payment_method,omitempty"`
}

// PaymentResult is a definitive payment success.
type PaymentResult struct {
	OrderID   string        `json:"order_id"`
	Status    PaymentStatus `json:"status"`
	GatewayID string        `json:"payment_gateway_id"`
	Attempts  int           `json:"attempts"`
	Replayed  bool          `json:"replayed"`
}

// ProcessPayment charges the order at most once per idempotency key. It
// returns a PaymentResult on success or one of ErrIdempotencyConflict,
// ErrServiceUnavailable, *PaymentProcessingError, ErrPaymentInProgress or the
// caller's context error. Concurrent calls with the same key share one
// execution, which is abandoned only after every one of those callers has
// given up.
func (c *Coordinator) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidAmount)
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}

	v, err := c.flight.do(ctx, req.IdempotencyKey+"\x00"+req.OrderID, func(ctx context.Context) (any, error) {
		return c.processPayment(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*PaymentResult)
	return &out, nil
}

func (c *Coordinator) processPayment(ctx context.Context, req PaymentRequest) (result *PaymentResult, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "payment.process",
		tracing.AttrOrderID.String(req.OrderID),
		tracing.AttrAmountCents.Int64(req.AmountCents),
	)
	defer func() { endSpan(err) }()

	existing, err := c.guard.Validate(ctx, req.IdempotencyKey, req.OrderID)
	if err != nil {
		if errors.Is(err, ErrIdempotencyConflict) {
			c.metrics.IncResult(ResultConflict)
		}
		return nil, err
	}
	if existing != nil && existing.PaymentStatus != StatusPending {
		return c.replay(ctx, existing)
	}

	order, err := c.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != StatusPending && order.PaymentStatus != StatusFailed {
		return c.replay(ctx, order)
	}
	if req.Currency == "" {
		req.Currency = order.Currency
	}
	if req.AmountCents != order.AmountCents || !strings.EqualFold(req.Currency, order.Currency) {
		return nil, fmt.Errorf("%w: order %s total is %d %s", ErrInvalidAmount, order.ID, order.AmountCents, order.Currency)
	}

	br := c.breakers.Get(c.key)
	if err := br.Check(); err != nil {
		c.metrics.IncBreakerRejection(br.Name())
		c.metrics.IncResult(ResultUnavailable)
		return nil, serviceUnavailable(err)
	}

	key := req.IdempotencyKey
	order, err = c.store.BeginAttempt(ctx, order.ID, key, c.now(), &PaymentLogEntry{
		OrderID:        order.ID,
		IdempotencyKey: &key,
		Status:         LogInitiated,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
	})
	switch {
	case errors.Is(err, ErrIdempotencyKeyTaken):
		// Lost the race to bind the key; the guard now sees the winner.
		if _, gerr := c.guard.Validate(ctx, key, req.OrderID); gerr != nil {
			if errors.Is(gerr, ErrIdempotencyConflict) {
				c.metrics.IncResult(ResultConflict)
			}
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: key %q", ErrIdempotencyConflict, key)
	case errors.Is(err, ErrInvalidTransition):
		current, gerr := c.store.GetOrder(ctx, req.OrderID)
		if gerr != nil {
			return nil, gerr
		}
		return c.replay(ctx, current)
	case err != nil:
		return nil, fmt.Errorf("begin payment attempt: %w", err)
	}

	c.logger.InfoContext(ctx, "payment initiated",
		slog.String("order_id", order.ID),
		slog.Int64("amount_cents", req.AmountCents),
		slog.Int("payment_attempts", order.PaymentAttempts),
	)
	return c.chargeLoop(ctx, order, req, br)
}

// chargeLoop runs the bounded retry loop for an order already in processing.
func (c *Coordinator) chargeLoop(ctx context.Context, order *Order, req PaymentRequest, br *breaker.Breaker) (*PaymentResult, error) {
	key := req.IdempotencyKey
	var lastErr error
	attempt := 0

	for attempt < c.maxAttempts {
		attempt++

		if err := br.Allow(); err != nil {
			c.metrics.IncBreakerRejection(br.Name())
			c.metrics.IncResult(ResultUnavailable)
			if lastErr == nil {
				lastErr = err
			}
			c.finishFailed(ctx, order, &PaymentLogEntry{
				OrderID: order.ID, IdempotencyKey: &key, Status: LogFailed, Attempt: attempt,
				AmountCents: req.AmountCents, Currency: req.Currency,
				GatewayResponse: errorPayload(err),
			})
			return nil, serviceUnavailable(lastErr)
		}

		started := c.now()
		gctx, endSpan := tracing.StartGatewaySpan(ctx, "charge")
		res, err := c.gateway.Charge(gctx, gateway.ChargeRequest{
			AmountCents:    req.AmountCents,
			Currency:       req.Currency,
			OrderRef:       order.ID,
			CustomerID:     req.CustomerID,
			PaymentMethod:  req.PaymentMethod,
			IdempotencyKey: key,
		})
		endSpan(err)
		elapsed := c.now().Sub(started).Seconds()

		if err == nil {
			br.Success()
			c.metrics.ObserveAttempt(AttemptSuccess, elapsed)
			return c.recordSuccess(ctx, order, req, attempt, res)
		}

		if ctx.Err() != nil {
			// Caller gave up; the attempt may still land at the gateway.
			br.Abandon()
			c.appendLog(ctx, &PaymentLogEntry{
				OrderID: order.ID, IdempotencyKey: &key, Status: LogFailed, Attempt: attempt,
				AmountCents: req.AmountCents, Currency: req.Currency,
				GatewayResponse: errorPayload(ctx.Err()),
			})
			c.metrics.IncResult(ResultCancelled)
			c.logger.WarnContext(ctx, "payment abandoned by caller, left for reconciliation",
				slog.String("order_id", order.ID),
				slog.Int("attempt", attempt),
			)
			return nil, ctx.Err()
		}

		lastErr = err
		decline := gateway.IsDecline(err)
		if decline {
			// The gateway answered; a decline says nothing about its health.
			br.Success()
			c.metrics.ObserveAttempt(AttemptDeclined, elapsed)
		} else {
			br.Failure()
			c.metrics.ObserveAttempt(attemptOutcome(err), elapsed)
		}

		if lerr := c.appendLog(ctx, &PaymentLogEntry{
			OrderID: order.ID, IdempotencyKey: &key, Status: LogFailed, Attempt: attempt,
			AmountCents: req.AmountCents, Currency: req.Currency,
			GatewayResponse: errorPayload(err),
		}); lerr != nil {
			return nil, lerr
		}
		c.logger.WarnContext(ctx, "payment attempt failed",
			slog.String("order_id", order.ID),
			slog.Int("attempt", attempt),
			slog.Bool("retryable", gateway.IsRetryable(err)),
			slog.String("error", err.Error()),
		)

		if !gateway.IsRetryable(err) || attempt == c.maxAttempts {
			break
		}
		delay := c.Backoff(attempt)
		tracing.AddEvent(ctx, "payment.retry",
			attribute.Int("attempt", attempt),
			attribute.Int64("backoff_ms", delay.Milliseconds()),
		)
		if err := c.sleep(ctx, delay); err != nil {
			c.metrics.IncResult(ResultCancelled)
			return nil, err
		}
	}

	c.finishFailed(ctx, order, nil)
	c.metrics.IncResult(ResultFailed)
	return nil, &PaymentProcessingError{OrderID: order.ID, Attempts: attempt, Err: lastErr}
}

func (c *Coordinator) recordSuccess(ctx context.Context, order *Order, req PaymentRequest, attempt int, res *gateway.ChargeResult) (*PaymentResult, error) {
	key := req.IdempotencyKey
	// The charge happened; persisting it must not be abandoned with the caller.
	pctx := context.WithoutCancel(ctx)
	updated, applied, err := c.store.ApplyTransition(pctx, Transition{
		OrderID:   order.ID,
		From:      []PaymentStatus{StatusProcessing},
		To:        StatusCompleted,
		GatewayID: res.ChargeID,
		AlwaysLog: true,
		Log: &PaymentLogEntry{
			OrderID: order.ID, IdempotencyKey: &key, Status: LogSuccess, Attempt: attempt,
			AmountCents: req.AmountCents, Currency: req.Currency,
			GatewayResponse: successPayload(res),
		},
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "charge succeeded but could not be recorded",
			slog.Bool("critical", true),
			slog.String("order_id", order.ID),
			slog.String("payment_gateway_id", res.ChargeID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("record successful charge %s: %w", res.ChargeID, err)
	}
	if !applied {
		c.logger.WarnContext(ctx, "order left processing before charge result was recorded",
			slog.String("order_id", order.ID),
			slog.String("payment_status", string(updated.PaymentStatus)),
			slog.String("payment_gateway_id", res.ChargeID),
		)
	}

	c.metrics.IncResult(ResultCompleted)
	c.logger.InfoContext(ctx, "payment completed",
		slog.String("order_id", order.ID),
		slog.String("payment_gateway_id", res.ChargeID),
		slog.Int("attempt", attempt),
	)
	return &PaymentResult{
		OrderID:   order.ID,
		Status:    StatusCompleted,
		GatewayID: res.ChargeID,
		Attempts:  attempt,
	}, nil
}

// finishFailed moves the order from processing to failed, appending log if
// given.
func (c *Coordinator) finishFailed(ctx context.Context, order *Order, log *PaymentLogEntry) {
	_, _, err := c.store.ApplyTransition(context.WithoutCancel(ctx), Transition{
		OrderID: order.ID,
		From:    []PaymentStatus{StatusProcessing},
		To:      StatusFailed,
		Log:     log,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to mark order failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) appendLog(ctx context.Context, entry *PaymentLogEntry) error {
	if err := c.store.AppendPaymentLog(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.ErrorContext(ctx, "failed to append payment log",
			slog.String("order_id", entry.OrderID),
			slog.String("status", string(entry.Status)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("append payment log: %w", err)
	}
	return nil
}

// replay answers a repeated request from the order's current state without
// contacting the gateway. A processing order is polled until it settles.
func (c *Coordinator) replay(ctx context.Context, order *Order) (*PaymentResult, error) {
	var ticker *time.Ticker
	for {
		switch order.PaymentStatus {
		case StatusCompleted, StatusRefunded:
			c.metrics.IncResult(ResultReplayed)
			return &PaymentResult{
				OrderID:   order.ID,
				Status:    order.PaymentStatus,
				GatewayID: order.GatewayID(),
				Attempts:  order.PaymentAttempts,
				Replayed:  true,
			}, nil
		case StatusFailed, StatusCancelled:
			c.metrics.IncResult(ResultReplayed)
			return nil, &PaymentProcessingError{
				OrderID:  order.ID,
				Attempts: order.PaymentAttempts,
				Err:      fmt.Errorf("order payment status is %s", order.PaymentStatus),
			}
		}

		if ticker == nil {
			ticker = time.NewTicker(c.pollInterval)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return nil, ErrPaymentInProgress
		case <-ticker.C:
		}
		next, err := c.store.GetOrder(ctx, order.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrPaymentInProgress
			}
			return nil, err
		}
		order = next
	}
}

// RefundRequest asks for part or all of a completed order's total back.
type RefundRequest struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason,omitempty"`
}

// InitiateRefund records a pending refund and submits it to the gateway. The
// order's payment status is never changed here; a completed refund is applied
// by the refund webhook.
func (c *Coordinator) InitiateRefund(ctx context.Context, req RefundRequest) (refund *RefundLogEntry, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "payment.refund", tracing.AttrOrderID.String(req.OrderID))
	defer func() { endSpan(err) }()

	if req.AmountCents <= 0 {
		c.metrics.IncRefund(ResultInvalid)
		return nil, &RefundValidationError{OrderID: req.OrderID, Reason: "amount must be positive"}
	}
	order, err := c.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.GatewayID() == "" && order.PaymentStatus == StatusCompleted {
		c.metrics.IncRefund(ResultInvalid)
		return nil, &RefundValidationError{OrderID: order.ID, Reason: "order has no gateway charge reference"}
	}

	refund = &RefundLogEntry{
		OrderID:     order.ID,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
		Status:      RefundPending,
	}
	if err := c.store.CreateRefund(ctx, refund); err != nil {
		switch {
		case errors.Is(err, ErrInvalidTransition):
			c.metrics.IncRefund(ResultInvalid)
			return nil, &RefundValidationError{OrderID: order.ID, Reason: fmt.Sprintf("order payment status is %s, not completed", order.PaymentStatus)}
		case errors.Is(err, ErrRefundExceedsRemaining):
			c.metrics.IncRefund(ResultInvalid)
			return nil, &RefundValidationError{OrderID: order.ID, Reason: fmt.Sprintf("amount %d exceeds refundable remainder of order total %d", req.AmountCents, order.AmountCents)}
		}
		return nil, fmt.Errorf("create refund: %w", err)
	}

	br := c.breakers.Get(c.key)
	if err := br.Allow(); err != nil {
		c.metrics.IncBreakerRejection(br.Name())
		c.metrics.IncRefund(ResultUnavailable)
		refund = c.updateRefund(ctx, refund, RefundFailed, "", errorPayload(err))
		return refund, serviceUnavailable(err)
	}

	gctx, endGatewaySpan := tracing.StartGatewaySpan(ctx, "refund")
	res, err := c.gateway.Refund(gctx, gateway.RefundRequest{
		ChargeID:       order.GatewayID(),
		AmountCents:    req.AmountCents,
		Reason:         req.Reason,
		RefundRef:      refund.ID,
		IdempotencyKey: "refund-" + refund.ID,
	})
	endGatewaySpan(err)

	if err != nil {
		if ctx.Err() != nil {
			br.Abandon()
			return refund, ctx.Err()
		}
		var te *gateway.TimeoutError
		if errors.As(err, &te) {
			// Outcome unknown; the refund webhook settles the pending entry.
			br.Failure()
			c.metrics.IncRefund(ResultTimeout)
			c.logger.WarnContext(ctx, "refund timed out, left pending",
				slog.String("order_id", order.ID),
				slog.String("refund_id", refund.ID),
			)
			return refund, err
		}
		if gateway.IsDecline(err) {
			br.Success()
		} else {
			br.Failure()
		}
		c.metrics.IncRefund(ResultRejected)
		refund = c.updateRefund(ctx, refund, RefundFailed, "", errorPayload(err))
		c.logger.WarnContext(ctx, "refund rejected by gateway",
			slog.String("order_id", order.ID),
			slog.String("refund_id", refund.ID),
			slog.String("error", err.Error()),
		)
		return refund, err
	}

	br.Success()
	c.metrics.IncRefund(ResultAccepted)
	refund = c.updateRefund(ctx, refund, RefundProcessing, res.RefundID, res.Raw)
	c.logger.InfoContext(ctx, "refund accepted",
		slog.String("order_id", order.ID),
		slog.String("refund_id", refund.ID),
		slog.String("gateway_refund_id", res.RefundID),
		slog.Int64("amount_cents", req.AmountCents),
	)
	return refund, nil
}

// updateRefund moves a pending refund forward. If a webhook already settled
// it, the stored entry is returned unchanged.
func (c *Coordinator) updateRefund(ctx context.Context, refund *RefundLogEntry, status RefundStatus, gatewayRefundID string, raw json.RawMessage) *RefundLogEntry {
	updated, err := c.store.UpdateRefund(context.WithoutCancel(ctx), RefundUpdate{
		RefundID:        refund.ID,
		Status:          status,
		GatewayRefundID: gatewayRefundID,
		GatewayResponse: raw,
	})
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		c.logger.ErrorContext(ctx, "failed to update refund",
			slog.String("refund_id", refund.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return refund
	}
	if updated == nil {
		return refund
	}
	return updated
}

func attemptOutcome(err error) string {
	var te *gateway.TimeoutError
	if errors.As(err, &te) {
		return AttemptTimeout
	}
	return AttemptRejected
}

func successPayload(res *gateway.ChargeResult) json.RawMessage {
	if len(res.Raw) > 0 {
		return res.Raw
	}
	b, _ := json.Marshal(map[string]string{"id": res.ChargeID, "status": "succeeded"})
	return b
}

// errorPayload renders a failed call for the audit log, preferring the
// gateway's own response body.
func errorPayload(err error) json.RawMessage {
	var re *gateway.RejectedError
	if errors.As(err, &re) && len(re.Raw) > 0 {
		return re.Raw
	}
	payload := map[string]string{"error": err.Error()}
	if re != nil && re.Code != "" {
		payload["code"] = re.Code
	}
	var te *gateway.TimeoutError
	if errors.As(err, &te) {
		payload["code"] = "timeout"
	}
	b, _ := json.Marshal(payload)
	return b
}
