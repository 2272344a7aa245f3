package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/db"
	"subsync/internal/types"
)

func newTestInitiator(t *testing.T, provider *fakeProvider) (*CheckoutInitiator, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	_, err := store.Create(context.Background(), "acct_1", "owner@example.com")
	require.NoError(t, err)
	return NewCheckoutInitiator(provider, NewStaticPlanCatalog(), store, "https://app.example.com/", nil), store
}

func TestCheckoutInitiator_ProWithSeats(t *testing.T) {
	provider := &fakeProvider{session: types.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}}
	c, _ := newTestInitiator(t, provider)

	session, err := c.Initiate(context.Background(), CheckoutRequest{AccountID: "acct_1", PlanID: "pro", AdditionalSeats: 2})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.ID)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Equal(t, []types.CheckoutLineItem{
		{PriceID: "price_pro", Quantity: 1},
		{PriceID: "price_additional_seat", Quantity: 2},
	}, req.LineItems)
	assert.Equal(t, map[string]string{
		"account_id":       "acct_1",
		"plan_id":          "pro",
		"additional_seats": "2",
	}, req.Metadata)
	assert.Equal(t, "acct_1", req.AccountID)
	assert.Empty(t, req.CustomerID)
	assert.Equal(t, "https://app.example.com/billing?checkout=success&session_id={CHECKOUT_SESSION_ID}", req.SuccessURL)
	assert.Equal(t, "https://app.example.com/billing?checkout=canceled", req.CancelURL)
	_, err = uuid.Parse(req.IdempotencyKey)
	assert.NoError(t, err)
}

func TestCheckoutInitiator_NoSeatsSingleLineItem(t *testing.T) {
	provider := &fakeProvider{session: types.CheckoutSession{ID: "cs_1"}}
	c, _ := newTestInitiator(t, provider)

	_, err := c.Initiate(context.Background(), CheckoutRequest{AccountID: "acct_1", PlanID: "starter"})
	require.NoError(t, err)
	require.Len(t, provider.requests, 1)
	assert.Len(t, provider.requests[0].LineItems, 1)
}

func TestCheckoutInitiator_ReusesKnownCustomer(t *testing.T) {
	provider := &fakeProvider{session: types.CheckoutSession{ID: "cs_1"}}
	c, store := newTestInitiator(t, provider)

	next := types.DefaultSubscription()
	next.ProviderCustomerID = "cus_known"
	_, err := store.ApplyTransition(context.Background(), "acct_1", 0, next)
	require.NoError(t, err)

	_, err = c.Initiate(context.Background(), CheckoutRequest{AccountID: "acct_1", PlanID: "pro"})
	require.NoError(t, err)
	assert.Equal(t, "cus_known", provider.requests[0].CustomerID)

	acct, err := store.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.Subscription.Version, "checkout never writes the account")
}

func TestCheckoutInitiator_IdempotencyKeyIsFreshPerCall(t *testing.T) {
	provider := &fakeProvider{session: types.CheckoutSession{ID: "cs_1"}}
	c, _ := newTestInitiator(t, provider)

	for range 2 {
		_, err := c.Initiate(context.Background(), CheckoutRequest{AccountID: "acct_1", PlanID: "pro"})
		require.NoError(t, err)
	}
	assert.NotEqual(t, provider.requests[0].IdempotencyKey, provider.requests[1].IdempotencyKey)
}

func TestCheckoutInitiator_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  CheckoutRequest
		code types.ErrorCode
	}{
		{"missing account", CheckoutRequest{PlanID: "pro"}, types.ErrCodeInvalidRequest},
		{"missing plan", CheckoutRequest{AccountID: "acct_1"}, types.ErrCodeInvalidRequest},
		{"negative seats", CheckoutRequest{AccountID: "acct_1", PlanID: "pro", AdditionalSeats: -1}, types.ErrCodeInvalidRequest},
		{"free plan", CheckoutRequest{AccountID: "acct_1", PlanID: types.PlanFree}, types.ErrCodeInvalidRequest},
		{"unknown plan", CheckoutRequest{AccountID: "acct_1", PlanID: "platinum"}, types.ErrCodeNotFoundPlan},
		{"unknown account", CheckoutRequest{AccountID: "acct_ghost", PlanID: "pro"}, types.ErrCodeNotFoundAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{}
			c, _ := newTestInitiator(t, provider)

			_, err := c.Initiate(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, types.CodeOf(err))
			assert.Empty(t, provider.requests)
		})
	}
}

func TestCheckoutInitiator_ProviderErrorPropagates(t *testing.T) {
	provider := &fakeProvider{err: types.NewAppError(types.ErrCodeUpstreamRateLimited, "slow down", nil)}
	c, _ := newTestInitiator(t, provider)

	_, err := c.Initiate(context.Background(), CheckoutRequest{AccountID: "acct_1", PlanID: "pro"})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamRateLimited, types.CodeOf(err))
}
