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

// CheckoutInitiator is satisfied by *billing.CheckoutInitiator.
type CheckoutInitiator interface {
	Initiate(ctx context.Context, req billing.CheckoutRequest) (types.CheckoutSession, error)
}

// CheckoutHandler starts provider-hosted checkouts.
//
// Redirect URLs are never taken from the request; the initiator derives
// them from DASHBOARD_URL to prevent open redirects.
type CheckoutHandler struct {
	initiator CheckoutInitiator
	logger    *slog.Logger
}

func NewCheckoutHandler(initiator CheckoutInitiator, logger *slog.Logger) *CheckoutHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutHandler{initiator: initiator, logger: logger}
}

func (h *CheckoutHandler) RegisterRoutes(r chi.Router) {
	r.Post("/checkout/sessions", h.CreateSession)
}

// CreateSession handles POST /v1/checkout/sessions.
// Field validation lives in the initiator so every caller gets the same
// InvalidRequest details.
func (h *CheckoutHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req billing.CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.initiator.Initiate(r.Context(), req)
	if err != nil {
		if types.CodeOf(err) == "" {
			h.logger.ErrorContext(r.Context(), "checkout initiation failed",
				"account_id", req.AccountID,
				"error", err,
			)
		}
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout session created",
		"account_id", req.AccountID,
		"plan_id", string(req.PlanID),
		"caller", callerOf(r),
	)
	core.JSON(w, r, http.StatusCreated, session)
}

// callerOf names the authenticated caller for audit logs.
func callerOf(r *http.Request) string {
	if c, ok := types.GetCaller(r.Context()); ok {
		return c
	}
	return "unknown"
}
