package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Metadata keys the checkout flow sets so events can be tied back to a user and plan
const (
	metadataUserID = "user_id"
	metadataPlan   = "plan"
)

// DecodeStripeEvent verifies a Stripe webhook signature and converts the
// payload into a provider-neutral Event. Event types the mapper does not
// handle are returned with only ID and Type set.
func DecodeStripeEvent(payload []byte, signatureHeader, secret string) (Event, error) {
	se, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("verify stripe signature: %w", err)
	}

	ev := Event{ID: se.ID, Type: EventType(se.Type)}
	if se.Data == nil {
		return ev, nil
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &cs); err != nil {
			return Event{}, fmt.Errorf("decode checkout session: %w", err)
		}
		fillFromCheckout(&ev, &cs)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s stripe.Subscription
		if err := json.Unmarshal(se.Data.Raw, &s); err != nil {
			return Event{}, fmt.Errorf("decode subscription: %w", err)
		}
		fillFromSubscription(&ev, &s)
	}
	return ev, nil
}

func fillFromCheckout(ev *Event, cs *stripe.CheckoutSession) {
	ev.UserID = cs.ClientReferenceID
	if ev.UserID == "" {
		ev.UserID = cs.Metadata[metadataUserID]
	}
	ev.PlanName = cs.Metadata[metadataPlan]
	if cs.Customer != nil {
		ev.CustomerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		// An expanded subscription carries the real status; an id-only one does not
		fillFromSubscription(ev, cs.Subscription)
	}
}

func fillFromSubscription(ev *Event, s *stripe.Subscription) {
	ev.SubscriptionID = s.ID
	ev.Status = string(s.Status)
	ev.CancelAtPeriodEnd = s.CancelAtPeriodEnd
	if s.Customer != nil && s.Customer.ID != "" {
		ev.CustomerID = s.Customer.ID
	}
	if id := s.Metadata[metadataUserID]; id != "" && ev.UserID == "" {
		ev.UserID = id
	}
	if name := s.Metadata[metadataPlan]; name != "" && ev.PlanName == "" {
		ev.PlanName = name
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item != nil && item.Price != nil {
				ev.PriceID = item.Price.ID
				if ev.PlanName == "" {
					ev.PlanName = item.Price.LookupKey
				}
				break
			}
		}
	}
	ev.PeriodStart = unixTime(s.CurrentPeriodStart)
	ev.PeriodEnd = unixTime(s.CurrentPeriodEnd)
	ev.TrialStart = unixTime(s.TrialStart)
	ev.TrialEnd = unixTime(s.TrialEnd)
}

// unixTime converts a Stripe epoch to a time, treating 0 as unset.
func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
