// Package reconcile resolves orders left in processing by asking the gateway
// for the authoritative charge status. It never issues a new charge.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/paycapture/internal/gateway"
	"github.com/onnwee/paycapture/internal/jobs"
	"github.com/onnwee/paycapture/internal/payment"
	"github.com/onnwee/paycapture/internal/tracing"
)

const (
	DefaultInterval       = 5 * time.Minute
	DefaultStuckThreshold = 10 * time.Minute
	DefaultMaxAttempts    = 6
	DefaultBatchSize      = 100
	DefaultSweepTimeout   = 2 * time.Minute
)

// ErrNotReconcilable is returned by ReconcileOrder for orders that are not
// in processing.
var ErrNotReconcilable = errors.New("order is not in a reconcilable state")

// Outcome is what reconciliation did with one order.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred"
	// OutcomeSkipped means the order left processing while the gateway was
	// being queried.
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// JobMetrics records sweep and single-order runs alongside other background jobs.
type JobMetrics interface {
	Finish(jobType, status string, started time.Time)
	IncJobErrors(jobType, errorType string)
}

// SweepLock keeps concurrent replicas from sweeping at the same time.
// Acquire reports ok=false when another replica holds the lock.
type SweepLock interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// Config configures a Reconciler.
type Config struct {
	Store   payment.Store
	Gateway gateway.Client

	// Interval is the duration between sweeps.
	Interval time.Duration
	// StuckThreshold is how long an order must sit in processing before a
	// sweep picks it up.
	StuckThreshold time.Duration
	// MaxAttempts is the deferral count at which an order is escalated.
	MaxAttempts int
	BatchSize   int
	// Timeout bounds a single sweep.
	Timeout time.Duration

	Lock       SweepLock
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    *Metrics
	JobMetrics JobMetrics
}

// Result describes the reconciliation of one order.
type Result struct {
	OrderID      string                `json:"order_id"`
	Outcome      Outcome               `json:"outcome"`
	Status       payment.PaymentStatus `json:"payment_status"`
	GatewayState gateway.ChargeState   `json:"gateway_state,omitempty"`
	Escalated    bool                  `json:"escalated,omitempty"`
}

// Summary totals a sweep.
type Summary struct {
	Examined int
	Outcomes map[Outcome]int
	Skipped  bool
}

// Reconciler periodically repairs orders stuck in processing.
type Reconciler struct {
	config Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Reconciler, filling unset config fields with defaults.
func New(config Config) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.StuckThreshold <= 0 {
		config.StuckThreshold = DefaultStuckThreshold
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultSweepTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Reconciler{config: config}
}

// Start begins the periodic sweep.
// Returns immediately; the sweep runs in a background goroutine.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop signals the sweep loop to stop and waits for it to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// IsRunning returns whether the sweep loop is running.
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.config.Logger.Info("reconciler stopping due to context cancellation")
			return
		case <-r.stopCh:
			r.config.Logger.Info("reconciler stopping due to stop signal")
			return
		case <-ticker.C:
			r.SweepNow(ctx)
		}
	}
}

func (r *Reconciler) jobTotal(jobType, status string, started time.Time) {
	if r.config.JobMetrics == nil {
		return
	}
	r.config.JobMetrics.Finish(jobType, status, started)
}

func (r *Reconciler) jobError(jobType, errorType string) {
	if r.config.JobMetrics != nil {
		r.config.JobMetrics.IncJobErrors(jobType, errorType)
	}
}

// SweepNow runs one sweep immediately without waiting for the ticker.
func (r *Reconciler) SweepNow(parentCtx context.Context) (summary Summary) {
	summary.Outcomes = make(map[Outcome]int)
	started := time.Now()
	logger := r.config.Logger

	if r.config.Lock != nil {
		release, ok, err := r.config.Lock.Acquire(parentCtx)
		if err != nil {
			logger.Warn("failed to acquire reconcile lock", slog.String("error", err.Error()))
			r.jobError(jobs.JobTypeReconcileSweep, "lock_error")
			r.jobTotal(jobs.JobTypeReconcileSweep, jobs.StatusFailure, started)
			return summary
		}
		if !ok {
			logger.Debug("reconcile sweep held by another instance")
			summary.Skipped = true
			r.jobTotal(jobs.JobTypeReconcileSweep, jobs.StatusSkipped, started)
			return summary
		}
		defer release()
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.config.Timeout)
	defer cancel()
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.sweep")
	var sweepErr error
	defer func() { endSpan(sweepErr) }()

	cutoff := r.config.Now().Add(-r.config.StuckThreshold)
	orders, err := r.config.Store.ListStuckOrders(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		sweepErr = err
		logger.Error("failed to list stuck orders", slog.String("error", err.Error()))
		r.jobError(jobs.JobTypeReconcileSweep, "store_error")
		r.jobTotal(jobs.JobTypeReconcileSweep, jobs.StatusFailure, started)
		return summary
	}
	if len(orders) == 0 {
		r.jobTotal(jobs.JobTypeReconcileSweep, jobs.StatusSuccess, started)
		return summary
	}

	logger.Info("reconciling stuck orders", slog.Int("count", len(orders)))

	for i := range orders {
		if ctx.Err() != nil {
			sweepErr = ctx.Err()
			logger.Error("reconcile sweep timeout exceeded",
				slog.Int("processed", i),
				slog.Int("total", len(orders)),
				slog.Duration("timeout", r.config.Timeout))
			r.jobError(jobs.JobTypeReconcileSweep, "timeout")
			break
		}
		res, err := r.reconcile(ctx, &orders[i], jobs.JobTypeReconcileSweep)
		summary.Examined++
		summary.Outcomes[res.Outcome]++
		if err != nil {
			logger.Warn("failed to reconcile order, leaving for next sweep",
				slog.String("order_id", orders[i].ID),
				slog.String("error", err.Error()))
		}
	}

	status := jobs.StatusSuccess
	if sweepErr != nil || summary.Outcomes[OutcomeError] > 0 {
		status = jobs.StatusFailure
	}
	r.jobTotal(jobs.JobTypeReconcileSweep, status, started)

	logger.Info("reconcile sweep completed",
		slog.Float64("duration_seconds", time.Since(started).Seconds()),
		slog.Int("examined", summary.Examined),
		slog.Int("completed", summary.Outcomes[OutcomeCompleted]),
		slog.Int("failed", summary.Outcomes[OutcomeFailed]),
		slog.Int("deferred", summary.Outcomes[OutcomeDeferred]),
		slog.Int("errors", summary.Outcomes[OutcomeError]))
	return summary
}

// ReconcileOrder reconciles a single order on operator request, regardless
// of how long it has been processing. It returns ErrNotReconcilable unless
// the order is in processing.
func (r *Reconciler) ReconcileOrder(ctx context.Context, orderID string) (res *Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.order")
	defer func() { endSpan(err) }()
	started := time.Now()

	o, err := r.config.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != payment.StatusProcessing {
		return nil, fmt.Errorf("%w: order %s is %s", ErrNotReconcilable, orderID, o.PaymentStatus)
	}

	res, err = r.reconcile(ctx, o, jobs.JobTypeReconcileOrder)
	status := jobs.StatusSuccess
	if err != nil {
		status = jobs.StatusFailure
	}
	r.jobTotal(jobs.JobTypeReconcileOrder, status, started)
	if err != nil {
		return res, err
	}
	r.config.Logger.InfoContext(ctx, "operator reconciliation completed",
		slog.String("order_id", orderID),
		slog.String("outcome", string(res.Outcome)),
		slog.String("status", string(res.Status)))
	return res, nil
}

// reconcile resolves one processing order against the gateway. Errors are
// counted against jobType.
func (r *Reconciler) reconcile(ctx context.Context, o *payment.Order, jobType string) (*Result, error) {
	res := &Result{OrderID: o.ID, Status: o.PaymentStatus}

	st, err := r.config.Gateway.ChargeStatus(ctx, o.ID, o.GatewayID())
	if err != nil {
		res.Outcome = OutcomeError
		r.config.Metrics.incOutcome(OutcomeError)
		r.jobError(jobType, "gateway_error")
		return res, fmt.Errorf("query gateway for order %s: %w", o.ID, err)
	}
	res.GatewayState = st.State

	switch st.State {
	case gateway.ChargeSucceeded:
		err = r.resolve(ctx, o, st, payment.StatusCompleted, payment.LogReconcileOK, res)
	case gateway.ChargeFailed, gateway.ChargeCancelled:
		err = r.resolve(ctx, o, st, payment.StatusFailed, payment.LogReconcileFailed, res)
	default:
		// pending or unknown
		err = r.deferOrder(ctx, o, st, res)
	}
	if err != nil {
		res.Outcome = OutcomeError
		r.jobError(jobType, "store_error")
	}
	r.config.Metrics.incOutcome(res.Outcome)
	return res, err
}

func (r *Reconciler) resolve(ctx context.Context, o *payment.Order, st *gateway.ChargeStatus, to payment.PaymentStatus, logStatus payment.LogStatus, res *Result) error {
	updated, applied, err := r.config.Store.ApplyTransition(ctx, payment.Transition{
		OrderID:   o.ID,
		From:      []payment.PaymentStatus{payment.StatusProcessing},
		To:        to,
		GatewayID: st.ChargeID,
		Log: &payment.PaymentLogEntry{
			OrderID:         o.ID,
			IdempotencyKey:  o.IdempotencyKey,
			Status:          logStatus,
			Attempt:         o.PaymentAttempts,
			AmountCents:     o.AmountCents,
			Currency:        o.Currency,
			GatewayResponse: st.Raw,
		},
	})
	if err != nil {
		return fmt.Errorf("apply reconciled status for order %s: %w", o.ID, err)
	}
	res.Status = updated.PaymentStatus
	if !applied {
		res.Outcome = OutcomeSkipped
		return nil
	}

	if to == payment.StatusCompleted {
		res.Outcome = OutcomeCompleted
	} else {
		res.Outcome = OutcomeFailed
	}
	r.config.Logger.InfoContext(ctx, "order reconciled",
		slog.String("order_id", o.ID),
		slog.String("gateway_state", string(st.State)),
		slog.String("status", string(updated.PaymentStatus)))
	return nil
}

func (r *Reconciler) deferOrder(ctx context.Context, o *payment.Order, st *gateway.ChargeStatus, res *Result) error {
	updated, err := r.config.Store.DeferReconcile(ctx, o.ID, r.config.Now())
	if errors.Is(err, payment.ErrInvalidTransition) {
		res.Outcome = OutcomeSkipped
		return nil
	}
	if err != nil {
		return fmt.Errorf("defer order %s: %w", o.ID, err)
	}
	res.Outcome = OutcomeDeferred
	res.Status = updated.PaymentStatus

	if updated.ReconcileAttempts >= r.config.MaxAttempts {
		res.Escalated = true
		r.config.Metrics.incEscalation()
		r.config.Logger.ErrorContext(ctx, "order unresolved after maximum reconciliation attempts, operator action required",
			slog.String("order_id", o.ID),
			slog.Int("reconcile_attempts", updated.ReconcileAttempts),
			slog.String("gateway_state", string(st.State)),
			slog.Bool("escalation", true))
		return nil
	}
	r.config.Logger.DebugContext(ctx, "order still unresolved at gateway, deferring",
		slog.String("order_id", o.ID),
		slog.Int("reconcile_attempts", updated.ReconcileAttempts),
		slog.String("gateway_state", string(st.State)))
	return nil
}
