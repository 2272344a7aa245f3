package billing

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"subsync/internal/external"
	"subsync/internal/types"

	"github.com/google/uuid"
)

// CheckoutRequest is a purchase of planId plus optional add-on seats.
type CheckoutRequest struct {
	AccountID       string       `json:"account_id"`
	PlanID          types.PlanID `json:"plan_id"`
	AdditionalSeats int          `json:"additional_seats"`
}

// CheckoutInitiator starts provider-hosted checkouts. It never writes the
// account; the subscription changes only once checkout_completed arrives.
type CheckoutInitiator struct {
	provider     external.BillingProvider
	catalog      PlanCatalog
	accounts     AccountStore
	dashboardURL string
	logger       *slog.Logger
}

// NewCheckoutInitiator creates a CheckoutInitiator. Success and cancel
// redirects point back into dashboardURL.
func NewCheckoutInitiator(provider external.BillingProvider, catalog PlanCatalog, accounts AccountStore, dashboardURL string, logger *slog.Logger) *CheckoutInitiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutInitiator{
		provider:     provider,
		catalog:      catalog,
		accounts:     accounts,
		dashboardURL: strings.TrimRight(dashboardURL, "/"),
		logger:       logger,
	}
}

// Initiate validates req and submits a checkout session to the provider.
func (c *CheckoutInitiator) Initiate(ctx context.Context, req CheckoutRequest) (types.CheckoutSession, error) {
	if req.AccountID == "" {
		return types.CheckoutSession{}, invalidCheckout("account_id is required", "account_id")
	}
	if req.PlanID == "" {
		return types.CheckoutSession{}, invalidCheckout("plan_id is required", "plan_id")
	}
	if req.AdditionalSeats < 0 {
		return types.CheckoutSession{}, invalidCheckout("additional_seats must not be negative", "additional_seats")
	}
	if req.PlanID == types.PlanFree {
		return types.CheckoutSession{}, invalidCheckout("the free plan cannot be purchased", "plan_id")
	}
	plan, ok := c.catalog.Lookup(req.PlanID)
	if !ok {
		return types.CheckoutSession{}, types.NewAppErrorWithDetails(types.ErrCodeNotFoundPlan,
			"unknown plan "+string(req.PlanID), nil, map[string]any{"plan_id": string(req.PlanID)})
	}

	customerID, err := c.accounts.FindCustomerID(ctx, req.AccountID)
	if err != nil {
		return types.CheckoutSession{}, err
	}

	items := []types.CheckoutLineItem{{PriceID: plan.PriceID, Quantity: 1}}
	if req.AdditionalSeats > 0 {
		items = append(items, types.CheckoutLineItem{
			PriceID:  c.catalog.SeatPriceID(),
			Quantity: req.AdditionalSeats,
		})
	}

	session, err := c.provider.CreateCheckoutSession(ctx, types.CheckoutSessionRequest{
		AccountID:  req.AccountID,
		CustomerID: customerID,
		LineItems:  items,
		Metadata: map[string]string{
			types.MetaAccountID:       req.AccountID,
			types.MetaPlanID:          string(req.PlanID),
			types.MetaAdditionalSeats: strconv.Itoa(req.AdditionalSeats),
		},
		SuccessURL:     c.dashboardURL + "/billing?checkout=success&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      c.dashboardURL + "/billing?checkout=canceled",
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "checkout session failed",
			"account_id", req.AccountID,
			"plan_id", string(req.PlanID),
			"error", err,
		)
		return types.CheckoutSession{}, err
	}
	return session, nil
}

func invalidCheckout(msg, field string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeInvalidRequest, msg, nil, map[string]any{"field": field})
}
