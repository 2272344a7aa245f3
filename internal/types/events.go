package types

import "time"

// EventType is the internal, provider-independent lifecycle event type.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionCreated EventType = "subscription_created"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventInvoicePaid         EventType = "invoice_paid"
	EventInvoiceFailed       EventType = "invoice_failed"
)

// EventPayload carries the type-specific fields of an InboundEvent. Pointer
// and empty values mean "not asserted by this event".
type EventPayload struct {
	PlanID             PlanID
	AdditionalSeats    *int
	SubscriptionStatus SubscriptionStatus
	PeriodEnd          *time.Time
	CancelAtPeriodEnd  *bool
	CustomerID         string
	SubscriptionID     string
}

// InboundEvent is a verified, normalized provider event.
type InboundEvent struct {
	EventID      string
	Type         EventType
	ProviderType string
	AccountID    string
	OccurredAt   time.Time
	Payload      EventPayload
}

// EffectKind names a follow-up action produced by a committed transition.
type EffectKind string

const (
	EffectSubscriptionActivated EffectKind = "subscription_activated"
	EffectSubscriptionPastDue   EffectKind = "subscription_past_due"
	EffectPaymentRecovered      EffectKind = "payment_recovered"
	EffectCancellationScheduled EffectKind = "cancellation_scheduled"
	EffectSubscriptionCanceled  EffectKind = "subscription_canceled"
)

// Effect is a fire-and-forget request handed to the notification
// collaborator after the transition that produced it has been committed.
type Effect struct {
	Kind         EffectKind          `json:"kind"`
	AccountID    string              `json:"account_id"`
	EventID      string              `json:"event_id"`
	OccurredAt   time.Time           `json:"occurred_at"`
	Subscription AccountSubscription `json:"subscription"`
}

// CheckoutLineItem is one priced line of a checkout session.
type CheckoutLineItem struct {
	PriceID  string
	Quantity int
}

// CheckoutSessionRequest is the provider-facing purchase request.
type CheckoutSessionRequest struct {
	AccountID      string
	CustomerID     string
	LineItems      []CheckoutLineItem
	Metadata       map[string]string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// CheckoutSession is the provider's answer to a CheckoutSessionRequest.
type CheckoutSession struct {
	ID  string `json:"session_handle"`
	URL string `json:"url"`
}

// Correlation metadata keys attached at checkout and echoed on every
// resulting provider event.
const (
	MetaAccountID       = "account_id"
	MetaPlanID          = "plan_id"
	MetaAdditionalSeats = "additional_seats"
)
