package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subsync/internal/core"
	"subsync/internal/types"
)

// AccountStore is the subset of billing.AccountStore the account API needs.
type AccountStore interface {
	Create(ctx context.Context, accountID, email string) (*types.Account, error)
	Get(ctx context.Context, accountID string) (*types.Account, error)
}

// CreateAccountRequest is the body of POST /v1/accounts.
type CreateAccountRequest struct {
	AccountID string `json:"account_id" validate:"required,account_id"`
	Email     string `json:"email" validate:"omitempty,email,max=254"`
}

// SubscriptionResponse is the public view of an account's subscription.
type SubscriptionResponse struct {
	AccountID    string                    `json:"account_id"`
	Subscription types.AccountSubscription `json:"subscription"`
}

type AccountHandler struct {
	store     AccountStore
	validator *core.Validator
	logger    *slog.Logger
}

func NewAccountHandler(store AccountStore, validator *core.Validator, logger *slog.Logger) *AccountHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = core.NewValidator(logger)
	}
	return &AccountHandler{store: store, validator: validator, logger: logger}
}

func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Post("/accounts", h.Create)
	r.Get("/accounts/{accountId}/subscription", h.GetSubscription)
}

// Create handles POST /v1/accounts. Creating an existing account returns
// it unchanged with 200, so callers may retry freely.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	acct, err := h.store.Create(r.Context(), req.AccountID, req.Email)
	if types.IsCode(err, types.ErrCodeConflictAccount) {
		existing, getErr := h.store.Get(r.Context(), req.AccountID)
		if getErr != nil {
			core.Error(w, r, getErr)
			return
		}
		core.JSON(w, r, http.StatusOK, existing)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "account creation failed",
			"account_id", req.AccountID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "account created", "account_id", acct.ID, "caller", callerOf(r))
	core.JSON(w, r, http.StatusCreated, acct)
}

// GetSubscription handles GET /v1/accounts/{accountId}/subscription.
func (h *AccountHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	acct, err := h.store.Get(r.Context(), accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, SubscriptionResponse{
		AccountID:    acct.ID,
		Subscription: acct.Subscription,
	})
}
