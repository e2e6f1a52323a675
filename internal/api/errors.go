// Package api provides the HTTP handlers of the payment service and its
// standardized error envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/paycapture/internal/breaker"
	"github.com/onnwee/paycapture/internal/gateway"
	"github.com/onnwee/paycapture/internal/middleware"
	"github.com/onnwee/paycapture/internal/payment"
	"github.com/onnwee/paycapture/internal/reconcile"
	"github.com/onnwee/paycapture/internal/webhook"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeMethodNotAllowed indicates the route exists but not for this method.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeIdempotencyConflict indicates the Idempotency-Key is bound to another order.
	ErrCodeIdempotencyConflict = "idempotency_conflict"

	// ErrCodeServiceUnavailable indicates the gateway circuit is open.
	ErrCodeServiceUnavailable = "service_unavailable"

	// ErrCodePaymentFailed indicates the charge definitively failed.
	ErrCodePaymentFailed = "payment_failed"

	// ErrCodeRefundValidation indicates a refund was refused before reaching the gateway.
	ErrCodeRefundValidation = "refund_validation_error"

	// ErrCodeRefundRejected indicates the gateway declined a refund.
	ErrCodeRefundRejected = "refund_rejected"

	// ErrCodeNotReconcilable indicates the order is not awaiting reconciliation.
	ErrCodeNotReconcilable = "not_reconcilable"

	// ErrCodeInvalidSignature indicates webhook signature verification failed.
	ErrCodeInvalidSignature = "invalid_signature"

	// ErrCodeGatewayError indicates the gateway could not be queried.
	ErrCodeGatewayError = "gateway_error"

	// ErrCodeTimeout indicates the caller gave up before the outcome was known.
	ErrCodeTimeout = "timeout"
)

// DefaultRetryAfter is advertised on 503 responses when the breaker does not
// report its own remaining cool-down.
const DefaultRetryAfter = 30 * time.Second

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records code on
// the context seen by the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = middleware.SetErrorCode(ctx, code)
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// writeDomainError maps an error from the payment engine to its HTTP status
// and code. Anything unrecognized is logged and returned as a 500 without
// leaking its message.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	ctx := r.Context()

	var (
		procErr   *payment.PaymentProcessingError
		refundErr *payment.RefundValidationError
		verifyErr *webhook.VerificationError
		rejected  *gateway.RejectedError
		timeout   *gateway.TimeoutError
	)

	switch {
	case errors.Is(err, payment.ErrIdempotencyConflict):
		WriteError(w, ctx, http.StatusConflict, ErrCodeIdempotencyConflict, "Idempotency-Key is already used for a different order")
	case errors.Is(err, payment.ErrServiceUnavailable):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(err)))
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Payment service temporarily unavailable")
	case errors.Is(err, payment.ErrPaymentInProgress):
		writeJSON(w, ctx, http.StatusAccepted, map[string]string{"status": string(payment.StatusProcessing)})
	case errors.As(err, &procErr):
		WriteError(w, ctx, http.StatusPaymentRequired, ErrCodePaymentFailed, procErr.Error())
	case errors.As(err, &refundErr):
		WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeRefundValidation, refundErr.Reason)
	case errors.Is(err, payment.ErrOrderNotFound), errors.Is(err, payment.ErrRefundNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, reconcile.ErrNotReconcilable):
		WriteError(w, ctx, http.StatusConflict, ErrCodeNotReconcilable, err.Error())
	case errors.Is(err, payment.ErrInvalidAmount):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, payment.ErrInvalidTransition):
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.As(err, &verifyErr):
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeInvalidSignature, "Webhook signature verification failed")
	case errors.Is(err, webhook.ErrMalformedEvent):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.As(err, &rejected):
		WriteError(w, ctx, http.StatusPaymentRequired, ErrCodeRefundRejected, rejected.Error())
	case errors.As(err, &timeout):
		WriteError(w, ctx, http.StatusGatewayTimeout, ErrCodeGatewayError, "Payment gateway did not answer in time")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeTimeout, "Request ended before the outcome was known")
	default:
		logger.ErrorContext(ctx, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}

// retryAfterSeconds prefers the breaker's remaining cool-down.
func retryAfterSeconds(err error) int {
	d := DefaultRetryAfter
	var open *breaker.OpenError
	if errors.As(err, &open) && open.RetryAfter > 0 {
		d = open.RetryAfter
	}
	return int(math.Ceil(d.Seconds()))
}
