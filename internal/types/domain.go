package types

import "time"

// PlanID identifies a purchasable plan. PlanFree is the sentinel for
// accounts without a paid subscription.
type PlanID string

const PlanFree PlanID = "free"

// SubscriptionStatus is the account-side view of the provider subscription.
type SubscriptionStatus string

const (
	SubStatusNone     SubscriptionStatus = "none"
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
)

// Valid reports whether s is one of the known statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubStatusNone, SubStatusActive, SubStatusPastDue, SubStatusCanceled:
		return true
	}
	return false
}

// SyncClock records, per field group, the occurredAt of the last event that
// wrote that group. A zero time means the group was never written by an event.
type SyncClock struct {
	Plan     time.Time `json:"plan"`     // PlanID and AdditionalSeats
	Status   time.Time `json:"status"`
	Period   time.Time `json:"period"`   // CurrentPeriodEnd
	Cancel   time.Time `json:"cancel"`   // CancelAtPeriodEnd
	Provider time.Time `json:"provider"` // ProviderCustomerID and ProviderSubscriptionID
	Canceled time.Time `json:"canceled"` // deletion of CanceledSubscriptionID

	LastEventID string    `json:"last_event_id,omitempty"`
	LastEventAt time.Time `json:"last_event_at"`
}

// AccountSubscription is the subscription state embedded in an account.
type AccountSubscription struct {
	PlanID                 PlanID             `json:"plan_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	AdditionalSeats        int                `json:"additional_seats"`
	ProviderCustomerID     string             `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string             `json:"provider_subscription_id,omitempty"`
	Version                int64              `json:"version"`

	// CanceledSubscriptionID is the provider subscription most recently
	// deleted for this account. Late events for it are suppressed once it is
	// current; Clock.Canceled holds when it was deleted.
	CanceledSubscriptionID string    `json:"-"`
	Clock                  SyncClock `json:"-"`
}

// DefaultSubscription is the state of a freshly created account.
func DefaultSubscription() AccountSubscription {
	return AccountSubscription{
		PlanID: PlanFree,
		Status: SubStatusNone,
	}
}

// SameState reports whether s and o hold the same subscription values and
// field clocks. Version and the last-event bookkeeping are ignored.
func (s AccountSubscription) SameState(o AccountSubscription) bool {
	if s.PlanID != o.PlanID ||
		s.Status != o.Status ||
		s.CancelAtPeriodEnd != o.CancelAtPeriodEnd ||
		s.AdditionalSeats != o.AdditionalSeats ||
		s.ProviderCustomerID != o.ProviderCustomerID ||
		s.ProviderSubscriptionID != o.ProviderSubscriptionID ||
		s.CanceledSubscriptionID != o.CanceledSubscriptionID {
		return false
	}
	if !equalTimePtr(s.CurrentPeriodEnd, o.CurrentPeriodEnd) {
		return false
	}
	a, b := s.Clock, o.Clock
	return a.Plan.Equal(b.Plan) &&
		a.Status.Equal(b.Status) &&
		a.Period.Equal(b.Period) &&
		a.Cancel.Equal(b.Cancel) &&
		a.Provider.Equal(b.Provider) &&
		a.Canceled.Equal(b.Canceled)
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Account is the canonical account record. The subscription is created with
// the account and is only ever transitioned, never removed.
type Account struct {
	ID           string              `json:"id"`
	Email        string              `json:"email,omitempty"`
	Subscription AccountSubscription `json:"subscription"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}
