package api

import (
	"net/http"

	"github.com/onnwee/paycapture/internal/auth"
	"github.com/onnwee/paycapture/internal/middleware"
)

// RouterConfig collects the handlers mounted by NewRouter.
type RouterConfig struct {
	Payments *PaymentHandlers
	Webhooks *WebhookHandlers
	Admin    *AdminHandlers
	Health   *HealthHandlers
	// Operators authorizes /admin routes.
	Operators middleware.TokenAuthorizer
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter mounts every endpoint of the service. Cross-cutting middleware
// (request ID, logging, metrics, tracing) is applied by the caller.
func NewRouter(config RouterConfig) http.Handler {
	mux := http.NewServeMux()

	requireKey := middleware.RequireIdempotencyKey("/payments")
	mux.Handle("/payments", requireKey(http.HandlerFunc(config.Payments.CreatePayment)))
	mux.HandleFunc("/refunds", config.Payments.CreateRefund)
	mux.HandleFunc("/orders/", config.Payments.Orders)

	mux.HandleFunc("/webhooks/gateway", config.Webhooks.HandleGatewayWebhook)

	requireOperator := middleware.RequireOperator(config.Operators, auth.ScopeReconcile)
	mux.Handle("/admin/reconcile", requireOperator(http.HandlerFunc(config.Admin.Reconcile)))

	mux.HandleFunc("/health", config.Health.Health)
	mux.HandleFunc("/ready", config.Health.Ready)
	if config.Metrics != nil {
		mux.Handle("/metrics", config.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "Route not found")
	})
	return mux
}
