// Package handlers contains the HTTP handlers of the subsync API.
//
// The webhook endpoint is public; it is authenticated by the provider
// signature inside the Synchronizer. Everything under /v1 sits behind the
// admin API key.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subsync/internal/billing"
	"subsync/internal/core"
	"subsync/internal/types"
)

// maxWebhookBodySize bounds provider payloads (64 KiB).
const maxWebhookBodySize = 64 << 10

// signatureHeader carries the provider's HMAC signature.
const signatureHeader = "Stripe-Signature"

// WebhookProcessor is satisfied by *billing.Synchronizer.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signatureHeader string) (billing.Result, error)
}

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
	EventID  string `json:"event_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// StripeWebhookHandler receives provider events.
type StripeWebhookHandler struct {
	processor WebhookProcessor
	logger    *slog.Logger
}

func NewStripeWebhookHandler(processor WebhookProcessor, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{processor: processor, logger: logger}
}

// RegisterRoutes mounts the webhook on the public router.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle reads the raw body, hands it to the processor and maps the
// result onto the status code the provider acts on: 2xx acknowledges,
// 4xx is terminal, 409 and 5xx are retried.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := core.ReadBody(w, r, maxWebhookBodySize)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, err)
		return
	}

	sig := r.Header.Get(signatureHeader)
	res, err := h.processor.Process(r.Context(), payload, sig)
	if err != nil {
		if types.IsCode(err, types.ErrCodeAuthenticationFailed) {
			h.logger.WarnContext(r.Context(), "webhook authentication failed",
				"remote_addr", r.RemoteAddr,
				"signature_present", sig != "",
				"body_bytes", len(payload),
			)
		}
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, WebhookResponse{
		Received: true,
		Outcome:  string(res.Outcome),
		EventID:  res.EventID,
		Reason:   res.Reason,
	})
}
