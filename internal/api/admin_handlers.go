package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/paycapture/internal/middleware"
	"github.com/onnwee/paycapture/internal/reconcile"
)

// OrderReconciler resolves a single processing order against the gateway.
type OrderReconciler interface {
	ReconcileOrder(ctx context.Context, orderID string) (*reconcile.Result, error)
}

// AdminHandlers serves operator-only endpoints.
type AdminHandlers struct {
	reconciler OrderReconciler
	logger     *slog.Logger
}

// NewAdminHandlers creates a new AdminHandlers instance.
func NewAdminHandlers(reconciler OrderReconciler, logger *slog.Logger) *AdminHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandlers{reconciler: reconciler, logger: logger}
}

// ReconcileRequest names the order an operator wants resolved.
type ReconcileRequest struct {
	OrderID string `json:"order_id"`
}

// Reconcile runs reconciliation for one order outside the sweep cadence.
// POST /admin/reconcile
func (h *AdminHandlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	var req ReconcileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "order_id is required")
		return
	}

	h.logger.InfoContext(ctx, "operator reconciliation requested",
		slog.String("order_id", req.OrderID),
		slog.String("operator", middleware.GetOperator(ctx)))

	res, err := h.reconciler.ReconcileOrder(ctx, req.OrderID)
	if err != nil {
		if res != nil && res.Outcome == reconcile.OutcomeError {
			h.logger.WarnContext(ctx, "operator reconciliation could not reach gateway",
				slog.String("order_id", req.OrderID),
				slog.String("error", err.Error()))
			WriteError(w, ctx, http.StatusBadGateway, ErrCodeGatewayError, "Payment gateway could not be queried")
			return
		}
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, res)
}
