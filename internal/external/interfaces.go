package external

import (
	"context"

	"subsync/internal/types"
)

// BillingProvider is the outbound surface of the payment provider used by
// this service.
type BillingProvider interface {
	// CreateCheckoutSession submits a hosted checkout request and returns the
	// provider's session handle and redirect URL.
	CreateCheckoutSession(ctx context.Context, req types.CheckoutSessionRequest) (types.CheckoutSession, error)

	// GetSubscription fetches the provider's current view of a subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error)
}

// WebhookVerifier authenticates an inbound webhook body against its
// signature header and the endpoint's signing secret.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// Stripe event type names.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeSubCreated        = "customer.subscription.created"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
	EventStripeInvoicePaid       = "invoice.paid"
	EventStripeInvoiceSucceeded  = "invoice.payment_succeeded"
	EventStripePaymentFailed     = "invoice.payment_failed"
)
