package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/paycapture/internal/gateway"
	"github.com/onnwee/paycapture/internal/payment"
	"github.com/onnwee/paycapture/internal/reconcile"
)

type fakeReconciler struct {
	gotID string
	res   *reconcile.Result
	err   error
}

func (f *fakeReconciler) ReconcileOrder(_ context.Context, orderID string) (*reconcile.Result, error) {
	f.gotID = orderID
	return f.res, f.err
}

func TestAdminReconcile(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		res        *reconcile.Result
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "resolved",
			body:       `{"order_id":"ord_1"}`,
			res:        &reconcile.Result{OrderID: "ord_1", Outcome: reconcile.OutcomeCompleted, Status: payment.StatusCompleted, GatewayState: gateway.ChargeSucceeded},
			wantStatus: http.StatusOK,
		},
		{
			name:       "not processing",
			body:       `{"order_id":"ord_1"}`,
			err:        fmt.Errorf("%w: order ord_1 is completed", reconcile.ErrNotReconcilable),
			wantStatus: http.StatusConflict,
			wantCode:   ErrCodeNotReconcilable,
		},
		{
			name:       "unknown order",
			body:       `{"order_id":"ord_404"}`,
			err:        payment.ErrOrderNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodeNotFound,
		},
		{
			name:       "gateway down",
			body:       `{"order_id":"ord_1"}`,
			res:        &reconcile.Result{OrderID: "ord_1", Outcome: reconcile.OutcomeError, Status: payment.StatusProcessing},
			err:        errors.New("query gateway for order ord_1: connection refused"),
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrCodeGatewayError,
		},
		{
			name:       "missing order id",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeReconciler{res: tt.res, err: tt.err}
			h := NewAdminHandlers(rec, discardLogger())

			rr := httptest.NewRecorder()
			h.Reconcile(rr, httptest.NewRequest(http.MethodPost, "/admin/reconcile", strings.NewReader(tt.body)))

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if code := decodeError(t, rr).Code; code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
				return
			}
			var res reconcile.Result
			if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.Outcome != reconcile.OutcomeCompleted || rec.gotID != "ord_1" {
				t.Errorf("unexpected result %+v for %q", res, rec.gotID)
			}
		})
	}
}
