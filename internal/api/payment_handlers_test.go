package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/paycapture/internal/gateway"
	"github.com/onnwee/paycapture/internal/middleware"
	"github.com/onnwee/paycapture/internal/payment"
)

type fakePayments struct {
	gotPayment payment.PaymentRequest
	gotRefund  payment.RefundRequest
	payFn      func(req payment.PaymentRequest) (*payment.PaymentResult, error)
	refundFn   func(req payment.RefundRequest) (*payment.RefundLogEntry, error)
}

func (f *fakePayments) ProcessPayment(_ context.Context, req payment.PaymentRequest) (*payment.PaymentResult, error) {
	f.gotPayment = req
	if f.payFn != nil {
		return f.payFn(req)
	}
	return &payment.PaymentResult{OrderID: req.OrderID, Status: payment.StatusCompleted, GatewayID: "ch_1", Attempts: 1}, nil
}

func (f *fakePayments) InitiateRefund(_ context.Context, req payment.RefundRequest) (*payment.RefundLogEntry, error) {
	f.gotRefund = req
	if f.refundFn != nil {
		return f.refundFn(req)
	}
	return &payment.RefundLogEntry{ID: "rf_1", OrderID: req.OrderID, AmountCents: req.AmountCents, Status: payment.RefundProcessing}, nil
}

func newPaymentHandlers(p *fakePayments, orders OrderReader) *PaymentHandlers {
	return NewPaymentHandlers(PaymentHandlersConfig{Payments: p, Orders: orders, Logger: discardLogger()})
}

func postPayment(h *PaymentHandlers, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(body))
	if key != "" {
		req = req.WithContext(middleware.SetIdempotencyKey(req.Context(), key))
	}
	rr := httptest.NewRecorder()
	h.CreatePayment(rr, req)
	return rr
}

func TestCreatePayment_Success(t *testing.T) {
	p := &fakePayments{}
	h := newPaymentHandlers(p, nil)

	rr := postPayment(h, "K1", `{"order_id":"ord_1","customer_id":"cus_1","amount_cents":1000,"currency":"usd"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	if p.gotPayment.IdempotencyKey != "K1" {
		t.Errorf("idempotency key = %q, want K1", p.gotPayment.IdempotencyKey)
	}
	var res payment.PaymentResult
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != payment.StatusCompleted || res.GatewayID != "ch_1" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestCreatePayment_BodyKeyIgnored(t *testing.T) {
	p := &fakePayments{}
	h := newPaymentHandlers(p, nil)
	postPayment(h, "K-header", `{"order_id":"ord_1","amount_cents":1000,"IdempotencyKey":"K-body"}`)
	if p.gotPayment.IdempotencyKey != "K-header" {
		t.Errorf("idempotency key = %q, want K-header", p.gotPayment.IdempotencyKey)
	}
}

func TestCreatePayment_InvalidInput(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		key        string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"wrong method", http.MethodGet, "K1", "", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
		{"no key", http.MethodPost, "", `{"order_id":"ord_1","amount_cents":1000}`, http.StatusBadRequest, ErrCodeValidation},
		{"bad json", http.MethodPost, "K1", `{"order_id":`, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing order", http.MethodPost, "K1", `{"amount_cents":1000}`, http.StatusBadRequest, ErrCodeValidation},
		{"blank order", http.MethodPost, "K1", `{"order_id":"  ","amount_cents":1000}`, http.StatusBadRequest, ErrCodeValidation},
		{"zero amount", http.MethodPost, "K1", `{"order_id":"ord_1","amount_cents":0}`, http.StatusBadRequest, ErrCodeValidation},
		{"bad order id", http.MethodPost, "K1", `{"order_id":"ord 1","amount_cents":1000}`, http.StatusBadRequest, ErrCodeValidation},
		{"bad currency", http.MethodPost, "K1", `{"order_id":"ord_1","amount_cents":1000,"currency":"dollars"}`, http.StatusBadRequest, ErrCodeValidation},
		{"too large", http.MethodPost, "K1", `{"order_id":"` + strings.Repeat("a", maxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge, ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			p := &fakePayments{payFn: func(payment.PaymentRequest) (*payment.PaymentResult, error) {
				called = true
				return nil, nil
			}}
			h := newPaymentHandlers(p, nil)

			req := httptest.NewRequest(tt.method, "/payments", strings.NewReader(tt.body))
			if tt.key != "" {
				req = req.WithContext(middleware.SetIdempotencyKey(req.Context(), tt.key))
			}
			rr := httptest.NewRecorder()
			h.CreatePayment(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if code := decodeError(t, rr).Code; code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
			if called {
				t.Error("coordinator must not be called for invalid input")
			}
		})
	}
}

func TestCreatePayment_DomainErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"conflict", payment.ErrIdempotencyConflict, http.StatusConflict},
		{"unavailable", payment.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"failed", &payment.PaymentProcessingError{OrderID: "ord_1", Attempts: 3}, http.StatusPaymentRequired},
		{"in progress", payment.ErrPaymentInProgress, http.StatusAccepted},
		{"not found", payment.ErrOrderNotFound, http.StatusNotFound},
		{"amount mismatch", payment.ErrInvalidAmount, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePayments{payFn: func(payment.PaymentRequest) (*payment.PaymentResult, error) { return nil, tt.err }}
			rr := postPayment(newPaymentHandlers(p, nil), "K1", `{"order_id":"ord_1","amount_cents":1000}`)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func postRefund(h *PaymentHandlers, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.CreateRefund(rr, httptest.NewRequest(http.MethodPost, "/refunds", strings.NewReader(body)))
	return rr
}

func TestCreateRefund(t *testing.T) {
	pending := &payment.RefundLogEntry{ID: "rf_1", OrderID: "ord_1", AmountCents: 500, Status: payment.RefundPending}

	tests := []struct {
		name         string
		body         string
		refundFn     func(payment.RefundRequest) (*payment.RefundLogEntry, error)
		wantStatus   int
		wantAccepted bool
		wantCode     string
	}{
		{
			name:         "accepted",
			body:         `{"order_id":"ord_1","amount_cents":500,"reason":"requested_by_customer"}`,
			wantStatus:   http.StatusAccepted,
			wantAccepted: true,
		},
		{
			name: "gateway timeout leaves refund pending",
			body: `{"order_id":"ord_1","amount_cents":500}`,
			refundFn: func(payment.RefundRequest) (*payment.RefundLogEntry, error) {
				return pending, &gateway.TimeoutError{Op: "refund", Timeout: time.Second}
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name: "exceeds remainder",
			body: `{"order_id":"ord_1","amount_cents":5000}`,
			refundFn: func(payment.RefundRequest) (*payment.RefundLogEntry, error) {
				return nil, &payment.RefundValidationError{OrderID: "ord_1", Reason: "amount exceeds remainder"}
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   ErrCodeRefundValidation,
		},
		{
			name: "gateway declined",
			body: `{"order_id":"ord_1","amount_cents":500}`,
			refundFn: func(payment.RefundRequest) (*payment.RefundLogEntry, error) {
				return &payment.RefundLogEntry{ID: "rf_1", Status: payment.RefundFailed}, &gateway.RejectedError{Op: "refund", Code: "charge_disputed"}
			},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   ErrCodeRefundRejected,
		},
		{
			name: "breaker open",
			body: `{"order_id":"ord_1","amount_cents":500}`,
			refundFn: func(payment.RefundRequest) (*payment.RefundLogEntry, error) {
				return nil, payment.ErrServiceUnavailable
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrCodeServiceUnavailable,
		},
		{
			name:       "missing order",
			body:       `{"amount_cents":500}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
		{
			name:       "control characters in reason",
			body:       `{"order_id":"ord_1","amount_cents":500,"reason":"dup\ncharge"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePayments{refundFn: tt.refundFn}
			rr := postRefund(newPaymentHandlers(p, nil), tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantCode != "" {
				if code := decodeError(t, rr).Code; code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
				return
			}
			var resp RefundResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Accepted != tt.wantAccepted || resp.Refund == nil {
				t.Errorf("unexpected response %+v", resp)
			}
		})
	}
}

func TestOrders(t *testing.T) {
	store := payment.NewInMemoryStore()
	ctx := context.Background()
	if err := store.CreateOrder(ctx, &payment.Order{ID: "ord_1", CustomerID: "cus_1", AmountCents: 1000, Currency: "usd"}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if err := store.AppendPaymentLog(ctx, &payment.PaymentLogEntry{OrderID: "ord_1", Status: payment.LogInitiated, AmountCents: 1000, Currency: "usd"}); err != nil {
		t.Fatalf("AppendPaymentLog: %v", err)
	}
	h := newPaymentHandlers(&fakePayments{}, store)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"order", http.MethodGet, "/orders/ord_1", http.StatusOK},
		{"payment logs", http.MethodGet, "/orders/ord_1/payment-logs", http.StatusOK},
		{"unknown order", http.MethodGet, "/orders/ord_404", http.StatusNotFound},
		{"logs of unknown order", http.MethodGet, "/orders/ord_404/payment-logs", http.StatusNotFound},
		{"unknown subresource", http.MethodGet, "/orders/ord_1/refunds", http.StatusNotFound},
		{"empty id", http.MethodGet, "/orders/", http.StatusNotFound},
		{"wrong method", http.MethodDelete, "/orders/ord_1", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.Orders(rr, httptest.NewRequest(tt.method, tt.path, nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}

	rr := httptest.NewRecorder()
	h.Orders(rr, httptest.NewRequest(http.MethodGet, "/orders/ord_1/payment-logs", nil))
	var logs PaymentLogsResponse
	if err := json.NewDecoder(rr.Body).Decode(&logs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if logs.OrderID != "ord_1" || len(logs.Logs) != 1 || logs.Logs[0].Status != payment.LogInitiated {
		t.Errorf("unexpected logs %+v", logs)
	}

	rr = httptest.NewRecorder()
	h.Orders(rr, httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil))
	var order OrderResponse
	if err := json.NewDecoder(rr.Body).Decode(&order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if order.Order == nil || order.Order.PaymentStatus != payment.StatusPending || order.Refunds == nil {
		t.Errorf("unexpected order response %+v", order)
	}
}
