package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/paycapture/internal/gateway"
	"github.com/onnwee/paycapture/internal/middleware"
	"github.com/onnwee/paycapture/internal/payment"
	"github.com/onnwee/paycapture/internal/validate"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// PaymentService runs charges and refunds.
type PaymentService interface {
	ProcessPayment(ctx context.Context, req payment.PaymentRequest) (*payment.PaymentResult, error)
	InitiateRefund(ctx context.Context, req payment.RefundRequest) (*payment.RefundLogEntry, error)
}

// OrderReader exposes the read side of the payment store.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*payment.Order, error)
	ListPaymentLogs(ctx context.Context, orderID string) ([]payment.PaymentLogEntry, error)
	ListRefunds(ctx context.Context, orderID string) ([]payment.RefundLogEntry, error)
}

// PaymentHandlers serves the payment, refund and order endpoints.
type PaymentHandlers struct {
	payments PaymentService
	orders   OrderReader
	logger   *slog.Logger
}

// PaymentHandlersConfig configures PaymentHandlers.
type PaymentHandlersConfig struct {
	Payments PaymentService
	Orders   OrderReader
	Logger   *slog.Logger
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(config PaymentHandlersConfig) *PaymentHandlers {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandlers{
		payments: config.Payments,
		orders:   config.Orders,
		logger:   logger,
	}
}

// RefundResponse wraps a refund entry. Accepted is false while the gateway
// outcome is still unknown.
type RefundResponse struct {
	Refund   *payment.RefundLogEntry `json:"refund"`
	Accepted bool                    `json:"accepted"`
}

// OrderResponse is the payment view of one order.
type OrderResponse struct {
	Order   *payment.Order           `json:"order"`
	Refunds []payment.RefundLogEntry `json:"refunds"`
}

// PaymentLogsResponse lists an order's audit trail, oldest first.
type PaymentLogsResponse struct {
	OrderID string                    `json:"order_id"`
	Logs    []payment.PaymentLogEntry `json:"logs"`
}

// CreatePayment charges an order exactly once per Idempotency-Key.
// POST /payments
func (h *PaymentHandlers) CreatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	key := middleware.GetIdempotencyKey(ctx)
	if key == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Idempotency-Key header is required")
		return
	}

	var req payment.PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var err error
	if req.OrderID, err = validate.OrderID(req.OrderID); err != nil {
		writeFieldError(w, ctx, "order_id", err)
		return
	}
	if req.CustomerID, err = validate.CustomerID(req.CustomerID); err != nil {
		writeFieldError(w, ctx, "customer_id", err)
		return
	}
	if req.Currency, err = validate.Currency(req.Currency); err != nil {
		writeFieldError(w, ctx, "currency", err)
		return
	}
	if req.AmountCents <= 0 {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "amount_cents must be positive")
		return
	}
	req.IdempotencyKey = key

	res, err := h.payments.ProcessPayment(ctx, req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, res)
}

// CreateRefund refunds part or all of a completed order.
// POST /refunds
func (h *PaymentHandlers) CreateRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	var req payment.RefundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var err error
	if req.OrderID, err = validate.OrderID(req.OrderID); err != nil {
		writeFieldError(w, ctx, "order_id", err)
		return
	}
	if req.Reason, err = validate.RefundReason(req.Reason); err != nil {
		writeFieldError(w, ctx, "reason", err)
		return
	}

	refund, err := h.payments.InitiateRefund(ctx, req)
	var timeout *gateway.TimeoutError
	switch {
	case err == nil:
		writeJSON(w, ctx, http.StatusAccepted, RefundResponse{Refund: refund, Accepted: true})
	case errors.As(err, &timeout) && refund != nil:
		// Outcome unknown; the refund webhook settles it.
		writeJSON(w, ctx, http.StatusAccepted, RefundResponse{Refund: refund})
	default:
		writeDomainError(w, r, h.logger, err)
	}
}

// Orders routes GET /orders/{id} and GET /orders/{id}/payment-logs.
func (h *PaymentHandlers) Orders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/orders/"), "/")
	switch {
	case len(pathParts) == 1 && pathParts[0] != "":
		h.getOrder(w, r, pathParts[0])
	case len(pathParts) == 2 && pathParts[0] != "" && pathParts[1] == "payment-logs":
		h.listPaymentLogs(w, r, pathParts[0])
	default:
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Route not found")
	}
}

func (h *PaymentHandlers) getOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	ctx := r.Context()
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	refunds, err := h.orders.ListRefunds(ctx, orderID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if refunds == nil {
		refunds = []payment.RefundLogEntry{}
	}
	writeJSON(w, ctx, http.StatusOK, OrderResponse{Order: order, Refunds: refunds})
}

func (h *PaymentHandlers) listPaymentLogs(w http.ResponseWriter, r *http.Request, orderID string) {
	ctx := r.Context()
	if _, err := h.orders.GetOrder(ctx, orderID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	logs, err := h.orders.ListPaymentLogs(ctx, orderID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if logs == nil {
		logs = []payment.PaymentLogEntry{}
	}
	writeJSON(w, ctx, http.StatusOK, PaymentLogsResponse{OrderID: orderID, Logs: logs})
}

func writeFieldError(w http.ResponseWriter, ctx context.Context, field string, err error) {
	if errors.Is(err, validate.ErrEmpty) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, field+" is required")
		return
	}
	WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "invalid "+field+": "+err.Error())
}

// decodeBody reads a size-capped JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r.Context(), http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "Request body too large")
			return false
		}
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return false
	}
	return true
}
