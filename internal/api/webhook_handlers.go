package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/paycapture/internal/webhook"
)

// maxWebhookBytes caps gateway callback bodies.
const maxWebhookBytes = 256 << 10

// WebhookProcessor verifies and applies a gateway callback.
type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte, signature string) error
}

// WebhookHandlers serves the gateway callback endpoint.
type WebhookHandlers struct {
	processor WebhookProcessor
	logger    *slog.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(processor WebhookProcessor, logger *slog.Logger) *WebhookHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandlers{processor: processor, logger: logger}
}

// HandleGatewayWebhook verifies the X-Webhook-Signature over the raw body and
// applies the event. Non-2xx responses make the gateway redeliver.
// POST /webhooks/gateway
func (h *WebhookHandlers) HandleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, ctx, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "Request body too large")
			return
		}
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read request body")
		return
	}

	err = h.processor.Handle(ctx, body, r.Header.Get(webhook.SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, ctx, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, webhook.ErrUnsupportedEvent):
		writeJSON(w, ctx, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		writeDomainError(w, r, h.logger, err)
	}
}
