package billing

import (
	"time"

	"subsync/internal/types"
)

// Reasons reported on a Transition.
const (
	ReasonApplied             = "applied"
	ReasonStale               = "stale"
	ReasonNoChange            = "no_change"
	ReasonCanceledSub         = "subscription_canceled"
	ReasonNoSubscription      = "no_subscription"
	ReasonForeignSubscription = "foreign_subscription"
)

// Transition is the outcome of applying one event to one subscription.
type Transition struct {
	Next    types.AccountSubscription
	Effects []types.Effect
	Changed bool
	Reason  string
}

// Apply computes the subscription state after ev. It performs no I/O and
// never fails: events that must not take effect yield Changed == false and
// a Reason explaining why. An event for a deleted subscription may still
// advance clocks; it then carries ReasonCanceledSub with Changed == true.
//
// Each field group is overwritten only when ev.OccurredAt is not older
// than the group's clock, so redelivered or reordered events cannot
// revert newer state. A subscription deletion ignores the clocks and
// tombstones the subscription id. Whenever a tombstoned subscription is
// (or becomes) the current one, the deletion is asserted again after the
// event's own writes, so the deletion wins in any delivery order.
func Apply(current types.AccountSubscription, ev types.InboundEvent) Transition {
	p := ev.Payload
	tombstoned := ev.Type != types.EventSubscriptionDeleted &&
		p.SubscriptionID != "" && p.SubscriptionID == current.CanceledSubscriptionID

	next := current
	w := &fieldWriter{next: &next, at: ev.OccurredAt}

	switch ev.Type {
	case types.EventCheckoutCompleted:
		w.write(&next.Clock.Plan, func() {
			next.PlanID = p.PlanID
			if p.AdditionalSeats != nil && *p.AdditionalSeats >= 0 {
				next.AdditionalSeats = *p.AdditionalSeats
			}
		})
		w.write(&next.Clock.Status, func() { next.Status = types.SubStatusActive })
		if p.PeriodEnd != nil {
			w.write(&next.Clock.Period, func() { next.CurrentPeriodEnd = p.PeriodEnd })
		}
		w.write(&next.Clock.Cancel, func() { next.CancelAtPeriodEnd = false })
		w.writeProvider(p)

	case types.EventSubscriptionCreated, types.EventSubscriptionUpdated:
		if p.SubscriptionStatus.Valid() {
			w.write(&next.Clock.Status, func() { next.Status = p.SubscriptionStatus })
		}
		if p.PeriodEnd != nil {
			w.write(&next.Clock.Period, func() { next.CurrentPeriodEnd = p.PeriodEnd })
		}
		if p.CancelAtPeriodEnd != nil {
			w.write(&next.Clock.Cancel, func() { next.CancelAtPeriodEnd = *p.CancelAtPeriodEnd })
		}
		if p.PlanID != "" || p.AdditionalSeats != nil {
			w.write(&next.Clock.Plan, func() {
				if p.PlanID != "" {
					next.PlanID = p.PlanID
				}
				if p.AdditionalSeats != nil && *p.AdditionalSeats >= 0 {
					next.AdditionalSeats = *p.AdditionalSeats
				}
			})
		}
		w.writeProvider(p)

	case types.EventSubscriptionDeleted:
		if current.ProviderSubscriptionID != "" && p.SubscriptionID != "" && p.SubscriptionID != current.ProviderSubscriptionID {
			// Not the current subscription: remember the deletion in case
			// the subscription's own events are still on their way.
			tombstone(&next, p.SubscriptionID, ev.OccurredAt)
			break
		}
		w.cancel()
		tombstone(&next, p.SubscriptionID, ev.OccurredAt)

	case types.EventInvoicePaid, types.EventInvoiceFailed:
		switch {
		case p.SubscriptionID == "":
			return unchanged(current, ReasonNoSubscription)
		case current.ProviderSubscriptionID != "" && p.SubscriptionID != current.ProviderSubscriptionID &&
			ev.OccurredAt.Before(current.Clock.Provider):
			// Billing for a subscription that a newer event replaced.
			return unchanged(current, ReasonForeignSubscription)
		}
		if ev.Type == types.EventInvoicePaid {
			w.write(&next.Clock.Status, func() { next.Status = types.SubStatusActive })
			if p.PeriodEnd != nil {
				w.write(&next.Clock.Period, func() { next.CurrentPeriodEnd = p.PeriodEnd })
			}
		} else {
			w.write(&next.Clock.Status, func() { next.Status = types.SubStatusPastDue })
		}
		w.writeProvider(p)

	default:
		return unchanged(current, ReasonNoChange)
	}

	if tombstoned && next.ProviderSubscriptionID == p.SubscriptionID {
		(&fieldWriter{next: &next, at: next.Clock.Canceled}).cancel()
	}

	if current.SameState(next) {
		switch {
		case tombstoned:
			return unchanged(current, ReasonCanceledSub)
		case w.stale && !w.wrote:
			return unchanged(current, ReasonStale)
		}
		return unchanged(current, ReasonNoChange)
	}

	reason := ReasonApplied
	if tombstoned && sameValues(current, next) {
		// Only clocks moved; the deletion still holds.
		reason = ReasonCanceledSub
	}

	next.Clock.LastEventID = ev.EventID
	next.Clock.LastEventAt = ev.OccurredAt
	return Transition{
		Next:    next,
		Effects: effectsFor(current, next, ev),
		Changed: true,
		Reason:  reason,
	}
}

// sameValues compares the subscription fields, ignoring the clocks.
func sameValues(a, b types.AccountSubscription) bool {
	a.Clock = b.Clock
	return a.SameState(b)
}

// tombstone records the deletion of subID. Redeliveries keep the latest time.
func tombstone(s *types.AccountSubscription, subID string, at time.Time) {
	if subID == "" {
		return
	}
	if subID != s.CanceledSubscriptionID || s.Clock.Canceled.Before(at) {
		s.CanceledSubscriptionID = subID
		s.Clock.Canceled = at
	}
}

func unchanged(current types.AccountSubscription, reason string) Transition {
	return Transition{Next: current, Reason: reason}
}

// fieldWriter applies field-group writes gated by the group clocks.
type fieldWriter struct {
	next  *types.AccountSubscription
	at    time.Time
	wrote bool
	stale bool
}

func (w *fieldWriter) write(clock *time.Time, apply func()) {
	if w.at.Before(*clock) {
		w.stale = true
		return
	}
	apply()
	*clock = w.at
	w.wrote = true
}

// force applies regardless of the clock and never moves it backwards.
func (w *fieldWriter) force(clock *time.Time, apply func()) {
	apply()
	if clock.Before(w.at) {
		*clock = w.at
	}
	w.wrote = true
}

// cancel moves the subscription to the free plan regardless of the clocks.
func (w *fieldWriter) cancel() {
	next := w.next
	w.force(&next.Clock.Status, func() { next.Status = types.SubStatusCanceled })
	w.force(&next.Clock.Plan, func() {
		next.PlanID = types.PlanFree
		next.AdditionalSeats = 0
	})
	w.force(&next.Clock.Cancel, func() { next.CancelAtPeriodEnd = false })
}

func (w *fieldWriter) writeProvider(p types.EventPayload) {
	if p.CustomerID == "" && p.SubscriptionID == "" {
		return
	}
	next := w.next
	if w.at.Before(next.Clock.Provider) {
		// An older event may still fill in ids that are not known yet.
		filled := false
		if next.ProviderCustomerID == "" && p.CustomerID != "" {
			next.ProviderCustomerID = p.CustomerID
			filled = true
		}
		if next.ProviderSubscriptionID == "" && p.SubscriptionID != "" {
			next.ProviderSubscriptionID = p.SubscriptionID
			filled = true
		}
		if filled {
			w.wrote = true
		} else {
			w.stale = true
		}
		return
	}
	w.write(&next.Clock.Provider, func() {
		if p.CustomerID != "" {
			next.ProviderCustomerID = p.CustomerID
		}
		if p.SubscriptionID != "" {
			next.ProviderSubscriptionID = p.SubscriptionID
		}
	})
}

// effectsFor derives follow-up notifications from the status and
// cancellation flag change between prev and next.
func effectsFor(prev, next types.AccountSubscription, ev types.InboundEvent) []types.Effect {
	var kinds []types.EffectKind
	if prev.Status != next.Status {
		switch next.Status {
		case types.SubStatusActive:
			if prev.Status == types.SubStatusPastDue {
				kinds = append(kinds, types.EffectPaymentRecovered)
			} else {
				kinds = append(kinds, types.EffectSubscriptionActivated)
			}
		case types.SubStatusPastDue:
			kinds = append(kinds, types.EffectSubscriptionPastDue)
		case types.SubStatusCanceled:
			kinds = append(kinds, types.EffectSubscriptionCanceled)
		}
	}
	if next.CancelAtPeriodEnd && !prev.CancelAtPeriodEnd {
		kinds = append(kinds, types.EffectCancellationScheduled)
	}

	effects := make([]types.Effect, 0, len(kinds))
	for _, k := range kinds {
		effects = append(effects, types.Effect{
			Kind:         k,
			AccountID:    ev.AccountID,
			EventID:      ev.EventID,
			OccurredAt:   ev.OccurredAt,
			Subscription: next,
		})
	}
	return effects
}
