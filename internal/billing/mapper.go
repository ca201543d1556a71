package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/event"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
)

// EventType is a payment-processor event name.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.session.completed"
	EventSubscriptionCreated EventType = "customer.subscription.created"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
)

// Event is the provider-neutral shape of a billing event.
type Event struct {
	ID                string
	Type              EventType
	UserID            string // Our user id, from checkout client_reference_id or metadata
	CustomerID        string
	SubscriptionID    string
	Status            string // Provider status vocabulary
	PlanName          string
	PriceID           string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	TrialStart        *time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
}

// Outcome reports what Apply did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Errors returned by Apply
var (
	ErrUnknownSubscriber = errors.New("billing: no subscriber for event")
	ErrUnknownPlan       = errors.New("billing: event does not resolve to a plan")
)

// MapStatus maps provider statuses onto the internal vocabulary.
// Anything unrecognized maps to unpaid so it never grants downloads.
func MapStatus(status string) model.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return model.StatusActive
	case "trialing", "trial":
		return model.StatusTrial
	case "past_due", "paused":
		return model.StatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return model.StatusCanceled
	default:
		return model.StatusUnpaid
	}
}

// Mapper applies billing events to subscription rows.
type Mapper struct {
	store     storage.Store
	catalog   *Catalog
	publisher event.Publisher
	now       func() time.Time
}

// NewMapper creates a Mapper.
func NewMapper(store storage.Store, catalog *Catalog, publisher event.Publisher) *Mapper {
	if publisher == nil {
		publisher = event.NewNoop()
	}
	return &Mapper{
		store:     store,
		catalog:   catalog,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Apply upserts the subscription row an event refers to. Events already
// applied are skipped; event types the mapper does not handle are ignored.
func (m *Mapper) Apply(ctx context.Context, ev Event) (Outcome, *model.Subscription, error) {
	switch ev.Type {
	case EventCheckoutCompleted, EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
	default:
		return OutcomeIgnored, nil, nil
	}

	if ev.ID != "" {
		done, err := m.store.BillingEventProcessed(ctx, ev.ID)
		if err != nil {
			return "", nil, fmt.Errorf("check billing event: %w", err)
		}
		if done {
			return OutcomeDuplicate, nil, nil
		}
	}

	existing, err := m.findSubscription(ctx, ev)
	if err != nil {
		return "", nil, err
	}

	sub, err := m.build(ev, existing)
	if err != nil {
		return "", nil, err
	}

	if err := m.store.UpsertSubscription(ctx, *sub); err != nil {
		return "", nil, fmt.Errorf("upsert subscription: %w", err)
	}

	if ev.ID != "" {
		err := m.store.RecordBillingEvent(ctx, model.BillingEventReceipt{
			ProviderEventID: ev.ID,
			Type:            string(ev.Type),
			ProcessedAt:     m.now(),
		})
		// A concurrent delivery of the same event already recorded it; the upsert was identical
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			return "", nil, fmt.Errorf("record billing event: %w", err)
		}
	}

	if err := m.publisher.PublishSubscriptionUpdated(ctx, *sub); err != nil {
		slog.Warn("publish subscription updated failed", "user_id", sub.UserID, "error", err)
	}

	slog.Info("billing event applied",
		"event_id", ev.ID,
		"type", ev.Type,
		"user_id", sub.UserID,
		"plan", sub.Plan,
		"status", sub.Status)
	return OutcomeApplied, sub, nil
}

// findSubscription locates the row an event applies to. Checkout events are
// keyed by user id; lifecycle events by billing customer id, with the user id
// from metadata as a fallback for a first event racing the checkout.
func (m *Mapper) findSubscription(ctx context.Context, ev Event) (*model.Subscription, error) {
	if ev.Type == EventCheckoutCompleted {
		if ev.UserID == "" {
			return nil, ErrUnknownSubscriber
		}
		return m.lookup(m.store.GetSubscription(ctx, ev.UserID))
	}

	sub, err := m.lookup(m.store.GetSubscriptionByCustomerID(ctx, ev.CustomerID))
	if err != nil || sub != nil {
		return sub, err
	}
	if ev.UserID == "" {
		return nil, ErrUnknownSubscriber
	}
	return m.lookup(m.store.GetSubscription(ctx, ev.UserID))
}

// lookup treats ErrNotFound as a nil row.
func (m *Mapper) lookup(sub *model.Subscription, err error) (*model.Subscription, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

func (m *Mapper) build(ev Event, existing *model.Subscription) (*model.Subscription, error) {
	var sub model.Subscription
	if existing != nil {
		sub = *existing
	} else {
		sub.UserID = ev.UserID
		if sub.UserID == "" {
			return nil, ErrUnknownSubscriber
		}
	}

	if plan, ok := m.catalog.Resolve(ev.PlanName, ev.PriceID); ok {
		sub.Plan = plan
	} else if sub.Plan == "" {
		return nil, ErrUnknownPlan
	}
	sub.MonthlyDownloadLimit = m.catalog.Limit(sub.Plan)

	switch {
	case ev.Type == EventSubscriptionDeleted:
		sub.Status = model.StatusCanceled
	case ev.Type == EventCheckoutCompleted && ev.Status == "":
		sub.Status = model.StatusActive
	default:
		sub.Status = MapStatus(ev.Status)
	}

	if ev.CustomerID != "" {
		sub.BillingCustomerID = ev.CustomerID
	}
	if ev.SubscriptionID != "" {
		sub.BillingSubscriptionID = ev.SubscriptionID
	}
	if ev.PeriodStart != nil {
		sub.CurrentPeriodStart = ev.PeriodStart
	}
	if ev.PeriodEnd != nil {
		sub.CurrentPeriodEnd = ev.PeriodEnd
	}
	sub.CancelAtPeriodEnd = ev.CancelAtPeriodEnd

	if sub.Status == model.StatusTrial {
		m.applyTrial(&sub, ev)
	}
	return &sub, nil
}

// applyTrial fills trial fields, keeping the usage counter of an ongoing trial.
func (m *Mapper) applyTrial(sub *model.Subscription, ev Event) {
	now := m.now()
	start := ev.TrialStart
	if start == nil {
		start = sub.TrialStart
	}
	if start == nil {
		start = &now
	}
	end := ev.TrialEnd
	if end == nil {
		end = sub.TrialEnd
	}
	if end == nil {
		e := start.AddDate(0, 0, m.catalog.TrialDays)
		end = &e
	}

	if sub.TrialStart == nil || !sub.TrialStart.Equal(*start) {
		sub.TrialDownloadsUsed = 0
	}
	sub.TrialStart = start
	sub.TrialEnd = end
	sub.TrialDownloadsLimit = m.catalog.TrialLimit
	sub.TrialDaysRemaining = TrialDaysRemaining(*end, now)
}

// TrialDaysRemaining is ceil((end - now) / 1 day), floored at zero.
func TrialDaysRemaining(end, now time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
