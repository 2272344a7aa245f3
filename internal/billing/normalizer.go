package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"subsync/internal/external"
	"subsync/internal/types"
)

// Normalizer turns authenticated Stripe webhook bodies into InboundEvents.
type Normalizer struct {
	catalog PlanCatalog
}

// NewNormalizer creates a Normalizer that resolves prices through catalog.
func NewNormalizer(catalog PlanCatalog) *Normalizer {
	return &Normalizer{catalog: catalog}
}

var providerEventTypes = map[string]types.EventType{
	external.EventStripeCheckoutCompleted: types.EventCheckoutCompleted,
	external.EventStripeSubCreated:        types.EventSubscriptionCreated,
	external.EventStripeSubUpdated:        types.EventSubscriptionUpdated,
	external.EventStripeSubDeleted:        types.EventSubscriptionDeleted,
	external.EventStripeInvoicePaid:       types.EventInvoicePaid,
	external.EventStripeInvoiceSucceeded:  types.EventInvoicePaid,
	external.EventStripePaymentFailed:     types.EventInvoiceFailed,
}

// Normalize parses payload. On error the returned event still carries
// EventID, ProviderType and OccurredAt whenever the envelope itself was
// readable; an empty EventID means the body is not a usable event at all.
//
// Errors are ErrCodeMalformedEvent or ErrCodeUnrecognizedEventType.
func (n *Normalizer) Normalize(payload []byte) (types.InboundEvent, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return types.InboundEvent{}, malformed("event body is not valid JSON", err)
	}
	if env.ID == "" || env.Type == "" || env.Created <= 0 {
		return types.InboundEvent{}, malformed("event envelope requires id, type and created", nil)
	}

	ev := types.InboundEvent{
		EventID:      env.ID,
		ProviderType: env.Type,
		OccurredAt:   time.Unix(env.Created, 0).UTC(),
	}

	eventType, known := providerEventTypes[env.Type]
	if !known {
		return ev, types.NewAppError(types.ErrCodeUnrecognizedEventType, fmt.Sprintf("event type %q is not handled", env.Type), nil)
	}
	ev.Type = eventType

	if len(env.Data.Object) == 0 || bytes.Equal(env.Data.Object, []byte("null")) {
		return ev, malformed("event has no data.object", nil)
	}

	var err error
	switch eventType {
	case types.EventCheckoutCompleted:
		err = n.fromCheckoutSession(&ev, env.Data.Object)
	case types.EventInvoicePaid, types.EventInvoiceFailed:
		err = n.fromInvoice(&ev, env.Data.Object)
	default:
		err = n.fromSubscription(&ev, env.Data.Object)
	}
	if err != nil {
		return ev, err
	}
	if ev.AccountID == "" {
		return ev, malformed("event carries no account correlation metadata", nil)
	}
	return ev, nil
}

func (n *Normalizer) fromCheckoutSession(ev *types.InboundEvent, raw json.RawMessage) error {
	var obj checkoutSessionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return malformed("checkout session object has the wrong shape", err)
	}

	ev.AccountID = firstNonEmpty(obj.ClientReferenceID, obj.Metadata[types.MetaAccountID])

	plan := types.PlanID(obj.Metadata[types.MetaPlanID])
	if plan == "" {
		return malformed("checkout session metadata has no plan_id", nil)
	}
	seats := 0
	if v, ok := obj.Metadata[types.MetaAdditionalSeats]; ok {
		parsed, err := parseSeats(v)
		if err != nil {
			return err
		}
		seats = parsed
	}

	ev.Payload = types.EventPayload{
		PlanID:          plan,
		AdditionalSeats: &seats,
		CustomerID:      obj.Customer.ID,
		SubscriptionID:  obj.Subscription.ID,
	}
	if obj.Subscription.Object != nil {
		ev.Payload.PeriodEnd = unixPtr(obj.Subscription.Object.periodEnd())
		if ev.Payload.CustomerID == "" {
			ev.Payload.CustomerID = obj.Subscription.Object.Customer.ID
		}
	}
	if ev.Payload.SubscriptionID == "" {
		return malformed("checkout session has no subscription", nil)
	}
	return nil
}

func (n *Normalizer) fromSubscription(ev *types.InboundEvent, raw json.RawMessage) error {
	var obj subscriptionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return malformed("subscription object has the wrong shape", err)
	}
	if obj.ID == "" {
		return malformed("subscription object has no id", nil)
	}

	ev.AccountID = obj.Metadata[types.MetaAccountID]
	ev.Payload = types.EventPayload{
		SubscriptionID: obj.ID,
		CustomerID:     obj.Customer.ID,
	}
	if ev.Type == types.EventSubscriptionDeleted {
		return nil
	}

	status, ok := mapProviderStatus(obj.Status)
	if !ok {
		return malformed(fmt.Sprintf("subscription status %q is not recognized", obj.Status), nil)
	}
	cancel := obj.CancelAtPeriodEnd
	ev.Payload.SubscriptionStatus = status
	ev.Payload.CancelAtPeriodEnd = &cancel
	ev.Payload.PeriodEnd = unixPtr(obj.periodEnd())

	plan, seats, err := n.planAndSeats(obj)
	if err != nil {
		return err
	}
	ev.Payload.PlanID = plan
	ev.Payload.AdditionalSeats = seats
	return nil
}

// planAndSeats prefers the subscription items (which reflect portal
// upgrades) and falls back to the checkout metadata echo.
func (n *Normalizer) planAndSeats(obj subscriptionObject) (types.PlanID, *int, error) {
	var plan types.PlanID
	var seats *int

	seatPrice := ""
	if n.catalog != nil {
		seatPrice = n.catalog.SeatPriceID()
	}
	for _, item := range obj.Items.Data {
		if seatPrice != "" && item.Price.ID == seatPrice {
			if item.Quantity < 0 {
				return "", nil, malformed("seat item quantity is negative", nil)
			}
			q := item.Quantity
			seats = &q
			continue
		}
		if plan == "" && n.catalog != nil {
			if id, ok := n.catalog.PlanForPrice(item.Price.ID); ok {
				plan = id
			}
		}
	}

	if plan == "" {
		plan = types.PlanID(obj.Metadata[types.MetaPlanID])
	}
	if seats == nil {
		if v, ok := obj.Metadata[types.MetaAdditionalSeats]; ok {
			parsed, err := parseSeats(v)
			if err != nil {
				return "", nil, err
			}
			seats = &parsed
		} else if plan != "" && len(obj.Items.Data) > 0 {
			// Items are authoritative: a plan item without a seat item
			// means no add-on seats.
			zero := 0
			seats = &zero
		}
	}
	return plan, seats, nil
}

func (n *Normalizer) fromInvoice(ev *types.InboundEvent, raw json.RawMessage) error {
	var obj invoiceObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return malformed("invoice object has the wrong shape", err)
	}

	var subID string
	var subMeta map[string]string
	if obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
		subID = obj.Parent.SubscriptionDetails.Subscription.ID
		subMeta = obj.Parent.SubscriptionDetails.Metadata
	}
	if subID == "" {
		subID = obj.Subscription.ID
	}
	if subMeta == nil && obj.SubscriptionDetails != nil {
		subMeta = obj.SubscriptionDetails.Metadata
	}

	ev.AccountID = firstNonEmpty(subMeta[types.MetaAccountID], obj.Metadata[types.MetaAccountID])
	ev.Payload = types.EventPayload{
		SubscriptionID: subID,
		CustomerID:     obj.Customer.ID,
	}
	if ev.Type == types.EventInvoicePaid {
		var end int64
		for _, line := range obj.Lines.Data {
			end = max(end, line.Period.End)
		}
		ev.Payload.PeriodEnd = unixPtr(end)
	}
	return nil
}

// mapProviderStatus folds Stripe's subscription statuses onto ours.
func mapProviderStatus(s string) (types.SubscriptionStatus, bool) {
	switch s {
	case "active", "trialing":
		return types.SubStatusActive, true
	case "past_due", "unpaid":
		return types.SubStatusPastDue, true
	case "canceled", "incomplete_expired":
		return types.SubStatusCanceled, true
	case "incomplete", "paused":
		return types.SubStatusNone, true
	}
	return "", false
}

func parseSeats(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, malformed(fmt.Sprintf("additional_seats %q is not an integer", v), err)
	}
	if n < 0 {
		return 0, malformed(fmt.Sprintf("additional_seats %d is negative", n), nil)
	}
	return n, nil
}

func malformed(msg string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeMalformedEvent, msg, err)
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// expandableID accepts either a bare id string or an expanded object with
// an "id" field, which is how Stripe renders references.
type expandableID struct {
	ID string
}

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

// expandableSubscription is a subscription reference that keeps the full
// object when Stripe sends it expanded.
type expandableSubscription struct {
	ID     string
	Object *subscriptionObject
}

func (e *expandableSubscription) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.ID)
	}
	var obj subscriptionObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	e.Object = &obj
	return nil
}

type checkoutSessionObject struct {
	ClientReferenceID string                 `json:"client_reference_id"`
	Customer          expandableID           `json:"customer"`
	Subscription      expandableSubscription `json:"subscription"`
	Metadata          map[string]string      `json:"metadata"`
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

type subscriptionItem struct {
	Quantity         int   `json:"quantity"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Price            struct {
		ID string `json:"id"`
	} `json:"price"`
}

// periodEnd reads the top-level period end, or the latest item-level one
// on API versions that moved it onto items.
func (s *subscriptionObject) periodEnd() int64 {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		end = max(end, item.CurrentPeriodEnd)
	}
	return end
}

type invoiceObject struct {
	Customer            expandableID      `json:"customer"`
	Subscription        expandableID      `json:"subscription"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}
