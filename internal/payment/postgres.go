package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/paycapture/internal/tracing"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const orderColumns = `id, customer_id, amount_cents, currency, payment_status, idempotency_key,
	payment_gateway_id, payment_attempts, last_payment_attempt, reconcile_attempts, created_at, updated_at`

const refundColumns = `id, order_id, gateway_refund_id, amount_cents, reason, status,
	gateway_response, created_at, updated_at`

// PostgresStore implements Store on PostgreSQL. The order row is locked for
// every read-modify-write so transitions on one order are serialized.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o         Order
		status    string
		key       sql.NullString
		gatewayID sql.NullString
		lastTry   sql.NullTime
	)
	err := row.Scan(&o.ID, &o.CustomerID, &o.AmountCents, &o.Currency, &status, &key,
		&gatewayID, &o.PaymentAttempts, &lastTry, &o.ReconcileAttempts, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.PaymentStatus = PaymentStatus(status)
	if key.Valid {
		o.IdempotencyKey = &key.String
	}
	if gatewayID.Valid {
		o.PaymentGatewayID = &gatewayID.String
	}
	if lastTry.Valid {
		o.LastPaymentAttempt = &lastTry.Time
	}
	return &o, nil
}

func scanRefund(row rowScanner) (*RefundLogEntry, error) {
	var (
		r         RefundLogEntry
		status    string
		gatewayID sql.NullString
		raw       []byte
	)
	err := row.Scan(&r.ID, &r.OrderID, &gatewayID, &r.AmountCents, &r.Reason, &status,
		&raw, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = RefundStatus(status)
	if gatewayID.Valid {
		r.GatewayRefundID = &gatewayID.String
	}
	if len(raw) > 0 {
		r.GatewayResponse = json.RawMessage(raw)
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// withTx runs fn in a read-committed transaction, committing if fn succeeds.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			s.logger.Warn("failed to rollback transaction", slog.String("error", err.Error()))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// CreateOrder inserts a new order.
func (s *PostgresStore) CreateOrder(ctx context.Context, order *Order) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = StatusPending
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO orders (id, customer_id, amount_cents, currency, payment_status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		order.ID, order.CustomerID, order.AmountCents, order.Currency, string(order.PaymentStatus), nullString(order.IdempotencyKey),
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrIdempotencyKeyTaken
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (s *PostgresStore) GetOrder(ctx context.Context, id string) (o *Order, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	o, err = scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// GetOrderByIdempotencyKey retrieves the order bound to key.
func (s *PostgresStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (o *Order, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	o, err = scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func orderExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// BeginAttempt binds key and moves a payable order to processing.
func (s *PostgresStore) BeginAttempt(ctx context.Context, orderID, key string, at time.Time, log *PaymentLogEntry) (o *Order, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var serr error
		o, serr = scanOrder(tx.QueryRowContext(ctx, `
			UPDATE orders
			SET idempotency_key = $2,
			    payment_status = 'processing',
			    payment_attempts = payment_attempts + 1,
			    last_payment_attempt = $3,
			    updated_at = NOW()
			WHERE id = $1 AND payment_status IN ('pending', 'failed')
			RETURNING `+orderColumns, orderID, key, at))
		switch {
		case isUniqueViolation(serr):
			return ErrIdempotencyKeyTaken
		case errors.Is(serr, sql.ErrNoRows):
			exists, eerr := orderExists(ctx, tx, orderID)
			if eerr != nil {
				return eerr
			}
			if !exists {
				return ErrOrderNotFound
			}
			return ErrInvalidTransition
		case serr != nil:
			return fmt.Errorf("begin attempt: %w", serr)
		}
		if log != nil {
			return insertLog(ctx, tx, log)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func insertLog(ctx context.Context, tx *sql.Tx, entry *PaymentLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO payment_logs (id, order_id, idempotency_key, status, attempt, amount_cents, currency, gateway_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		entry.ID, entry.OrderID, nullString(entry.IdempotencyKey), string(entry.Status), entry.Attempt,
		entry.AmountCents, entry.Currency, nullJSON(entry.GatewayResponse),
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment log: %w", err)
	}
	return nil
}

// AppendPaymentLog appends an audit entry.
func (s *PostgresStore) AppendPaymentLog(ctx context.Context, entry *PaymentLogEntry) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payment_logs", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertLog(ctx, tx, entry)
	})
}

// ListPaymentLogs returns an order's log entries oldest first.
func (s *PostgresStore) ListPaymentLogs(ctx context.Context, orderID string) (out []PaymentLogEntry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payment_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, idempotency_key, status, attempt, amount_cents, currency, gateway_response, created_at
		FROM payment_logs
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query payment logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e      PaymentLogEntry
			key    sql.NullString
			status string
			raw    []byte
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &key, &status, &e.Attempt, &e.AmountCents, &e.Currency, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment log: %w", err)
		}
		e.Status = LogStatus(status)
		if key.Valid {
			e.IdempotencyKey = &key.String
		}
		if len(raw) > 0 {
			e.GatewayResponse = json.RawMessage(raw)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// recordEvent inserts eventID, reporting false if it was already recorded.
func recordEvent(ctx context.Context, tx *sql.Tx, eventID, eventType string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ApplyTransition applies a guarded status change under a row lock.
func (s *PostgresStore) ApplyTransition(ctx context.Context, t Transition) (o *Order, applied bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var serr error
		o, serr = scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, t.OrderID))
		if errors.Is(serr, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		if serr != nil {
			return fmt.Errorf("lock order: %w", serr)
		}

		if t.EventID != "" {
			fresh, rerr := recordEvent(ctx, tx, t.EventID, t.EventType)
			if rerr != nil {
				return rerr
			}
			if !fresh {
				return nil
			}
		}

		if t.allows(o.PaymentStatus) {
			o, serr = scanOrder(tx.QueryRowContext(ctx, `
				UPDATE orders
				SET payment_status = $2,
				    payment_gateway_id = COALESCE($3, payment_gateway_id),
				    updated_at = NOW()
				WHERE id = $1
				RETURNING `+orderColumns, t.OrderID, string(t.To), nullString(&t.GatewayID)))
			if serr != nil {
				return fmt.Errorf("update order status: %w", serr)
			}
			applied = true
		}
		if t.Log != nil && (applied || t.AlwaysLog) {
			return insertLog(ctx, tx, t.Log)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return o, applied, nil
}

// ListStuckOrders returns processing orders last attempted before the cutoff.
func (s *PostgresStore) ListStuckOrders(ctx context.Context, before time.Time, limit int) (out []Order, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_status = 'processing' AND last_payment_attempt < $1
		ORDER BY last_payment_attempt ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// DeferReconcile refreshes lastPaymentAttempt on a processing order.
func (s *PostgresStore) DeferReconcile(ctx context.Context, orderID string, at time.Time) (o *Order, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var serr error
		o, serr = scanOrder(tx.QueryRowContext(ctx, `
			UPDATE orders
			SET last_payment_attempt = $2,
			    reconcile_attempts = reconcile_attempts + 1,
			    updated_at = NOW()
			WHERE id = $1 AND payment_status = 'processing'
			RETURNING `+orderColumns, orderID, at))
		if errors.Is(serr, sql.ErrNoRows) {
			exists, eerr := orderExists(ctx, tx, orderID)
			if eerr != nil {
				return eerr
			}
			if !exists {
				return ErrOrderNotFound
			}
			return ErrInvalidTransition
		}
		return serr
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CreateRefund inserts a pending refund, enforcing the refund bound under the
// order row lock.
func (s *PostgresStore) CreateRefund(ctx context.Context, refund *RefundLogEntry) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "refund_logs", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if refund.ID == "" {
		refund.ID = uuid.New().String()
	}
	if refund.Status == "" {
		refund.Status = RefundPending
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			total  int64
			status string
		)
		err := tx.QueryRowContext(ctx, `SELECT amount_cents, payment_status FROM orders WHERE id = $1 FOR UPDATE`, refund.OrderID).
			Scan(&total, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if PaymentStatus(status) != StatusCompleted {
			return ErrInvalidTransition
		}

		var committed int64
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount_cents), 0) FROM refund_logs
			WHERE order_id = $1 AND status <> 'failed'`, refund.OrderID).Scan(&committed)
		if err != nil {
			return fmt.Errorf("sum refunds: %w", err)
		}
		if refund.AmountCents > total-committed {
			return ErrRefundExceedsRemaining
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO refund_logs (id, order_id, amount_cents, reason, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at`,
			refund.ID, refund.OrderID, refund.AmountCents, refund.Reason, string(refund.Status),
		).Scan(&refund.CreatedAt, &refund.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		return nil
	})
}

// UpdateRefund moves a pending refund to u.Status.
func (s *PostgresStore) UpdateRefund(ctx context.Context, u RefundUpdate) (r *RefundLogEntry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "refund_logs", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	r, err = scanRefund(s.db.QueryRowContext(ctx, `
		UPDATE refund_logs
		SET status = $2,
		    gateway_refund_id = COALESCE($3, gateway_refund_id),
		    gateway_response = COALESCE($4::jsonb, gateway_response),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+refundColumns, u.RefundID, string(u.Status), nullString(&u.GatewayRefundID), nullJSON(u.GatewayResponse)))
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := scanRefund(s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_logs WHERE id = $1`, u.RefundID))
		if errors.Is(gerr, sql.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		if gerr != nil {
			return nil, gerr
		}
		return current, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("update refund: %w", err)
	}
	return r, nil
}

// ApplyRefundOutcome resolves an open refund and, on completion, marks the
// parent order refunded in the same transaction.
func (s *PostgresStore) ApplyRefundOutcome(ctx context.Context, o RefundOutcome) (applied bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "refund_logs", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			r    *RefundLogEntry
			serr error = sql.ErrNoRows
		)
		if o.GatewayRefundID != "" {
			r, serr = scanRefund(tx.QueryRowContext(ctx,
				`SELECT `+refundColumns+` FROM refund_logs WHERE gateway_refund_id = $1 FOR UPDATE`, o.GatewayRefundID))
		}
		if errors.Is(serr, sql.ErrNoRows) && o.RefundID != "" {
			r, serr = scanRefund(tx.QueryRowContext(ctx,
				`SELECT `+refundColumns+` FROM refund_logs WHERE id = $1 FOR UPDATE`, o.RefundID))
		}
		if errors.Is(serr, sql.ErrNoRows) {
			return ErrRefundNotFound
		}
		if serr != nil {
			return fmt.Errorf("lock refund: %w", serr)
		}

		if o.EventID != "" {
			fresh, rerr := recordEvent(ctx, tx, o.EventID, o.EventType)
			if rerr != nil || !fresh {
				return rerr
			}
		}
		if r.Status != RefundPending && r.Status != RefundProcessing {
			return nil
		}

		_, serr = tx.ExecContext(ctx, `
			UPDATE refund_logs
			SET status = $2,
			    gateway_refund_id = COALESCE(gateway_refund_id, $3),
			    gateway_response = COALESCE($4::jsonb, gateway_response),
			    updated_at = NOW()
			WHERE id = $1`, r.ID, string(o.Status), nullString(&o.GatewayRefundID), nullJSON(o.GatewayResponse))
		if serr != nil {
			return fmt.Errorf("update refund: %w", serr)
		}
		if o.Status == RefundCompleted {
			_, serr = tx.ExecContext(ctx, `
				UPDATE orders SET payment_status = 'refunded', updated_at = NOW()
				WHERE id = $1 AND payment_status = 'completed'`, r.OrderID)
			if serr != nil {
				return fmt.Errorf("mark order refunded: %w", serr)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ListRefunds returns an order's refunds oldest first.
func (s *PostgresStore) ListRefunds(ctx context.Context, orderID string) (out []RefundLogEntry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "refund_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refund_logs WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query refunds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
