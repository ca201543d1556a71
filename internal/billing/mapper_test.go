package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/event"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
)

func newTestMapper(t *testing.T) (*Mapper, storage.Store, *event.Recorder) {
	t.Helper()
	store := storage.NewMemory()
	rec := event.NewRecorder()
	catalog := NewCatalog(map[string]string{"price_pro": "pro"}, 3, 7)
	m := NewMapper(store, catalog, rec)
	m.now = func() time.Time { return time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC) }
	return m, store, rec
}

func TestMapStatus(t *testing.T) {
	tests := map[string]model.SubscriptionStatus{
		"active":             model.StatusActive,
		"ACTIVE":             model.StatusActive,
		"trialing":           model.StatusTrial,
		"past_due":           model.StatusPastDue,
		"paused":             model.StatusPastDue,
		"canceled":           model.StatusCanceled,
		"cancelled":          model.StatusCanceled,
		"incomplete_expired": model.StatusCanceled,
		"unpaid":             model.StatusUnpaid,
		"incomplete":         model.StatusUnpaid,
		"something_new":      model.StatusUnpaid,
		"":                   model.StatusUnpaid,
	}
	for in, want := range tests {
		if got := MapStatus(in); got != want {
			t.Errorf("MapStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(map[string]string{"price_b": "Business", "price_x": "enterprise"}, 3, 7)

	if got := c.Limit(model.PlanStandard); got != 15 {
		t.Errorf("Limit(standard) = %d, want 15", got)
	}
	if got := c.Limit(model.PlanPro); got != 30 {
		t.Errorf("Limit(pro) = %d, want 30", got)
	}
	if got := c.Limit(model.PlanBusiness); got != 50 {
		t.Errorf("Limit(business) = %d, want 50", got)
	}
	if p, ok := c.Resolve("", "price_b"); !ok || p != model.PlanBusiness {
		t.Errorf("Resolve(price_b) = %q, %v", p, ok)
	}
	if _, ok := c.Resolve("", "price_x"); ok {
		t.Error("Resolve(price_x) should not map an unknown plan name")
	}
	if p, ok := c.Resolve(" PRO ", "price_b"); !ok || p != model.PlanPro {
		t.Errorf("Resolve(name wins) = %q, %v", p, ok)
	}
}

func TestApplyCheckoutCreatesActiveSubscription(t *testing.T) {
	m, store, rec := newTestMapper(t)
	ctx := context.Background()

	outcome, sub, err := m.Apply(ctx, Event{
		ID:         "evt_1",
		Type:       EventCheckoutCompleted,
		UserID:     "u1",
		CustomerID: "cus_1",
		PlanName:   "standard",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("outcome = %q, want applied", outcome)
	}
	if sub.Status != model.StatusActive || sub.MonthlyDownloadLimit != 15 {
		t.Errorf("sub = %+v", sub)
	}

	stored, err := store.GetSubscription(ctx, "u1")
	if err != nil || stored.BillingCustomerID != "cus_1" {
		t.Errorf("stored = %+v, %v", stored, err)
	}
	if rec.Count(event.TypeSubscriptionUpdated) != 1 {
		t.Error("expected one subscription.updated event")
	}

	// Redelivery is acknowledged without re-applying
	outcome, _, err = m.Apply(ctx, Event{ID: "evt_1", Type: EventCheckoutCompleted, UserID: "u1", PlanName: "pro"})
	if err != nil || outcome != OutcomeDuplicate {
		t.Errorf("redelivery = %q, %v; want duplicate", outcome, err)
	}
	stored, _ = store.GetSubscription(ctx, "u1")
	if stored.Plan != model.PlanStandard {
		t.Errorf("redelivery changed plan to %q", stored.Plan)
	}
}

func TestApplyLifecycleKeyedByCustomer(t *testing.T) {
	m, store, _ := newTestMapper(t)
	ctx := context.Background()
	if err := store.UpsertSubscription(ctx, model.Subscription{
		UserID:            "u1",
		Plan:              model.PlanStandard,
		Status:            model.StatusActive,
		BillingCustomerID: "cus_1",
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	_, sub, err := m.Apply(ctx, Event{
		ID:          "evt_2",
		Type:        EventSubscriptionUpdated,
		CustomerID:  "cus_1",
		Status:      "past_due",
		PriceID:     "price_pro",
		PeriodStart: &start,
		PeriodEnd:   &end,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if sub.UserID != "u1" || sub.Plan != model.PlanPro || sub.MonthlyDownloadLimit != 30 {
		t.Errorf("sub = %+v", sub)
	}
	if sub.Status != model.StatusPastDue {
		t.Errorf("Status = %q, want past_due", sub.Status)
	}
	if !sub.CurrentPeriodStart.Equal(start) {
		t.Errorf("CurrentPeriodStart = %v, want %v", sub.CurrentPeriodStart, start)
	}

	_, sub, err = m.Apply(ctx, Event{ID: "evt_3", Type: EventSubscriptionDeleted, CustomerID: "cus_1", Status: "active"})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != model.StatusCanceled {
		t.Errorf("deleted Status = %q, want canceled", sub.Status)
	}
}

func TestApplyUnknownSubscriber(t *testing.T) {
	m, _, _ := newTestMapper(t)
	_, _, err := m.Apply(context.Background(), Event{ID: "evt_4", Type: EventSubscriptionUpdated, CustomerID: "cus_missing", Status: "active"})
	if !errors.Is(err, ErrUnknownSubscriber) {
		t.Errorf("Apply() error = %v, want ErrUnknownSubscriber", err)
	}
}

func TestApplyUnknownPlanForNewSubscriber(t *testing.T) {
	m, _, _ := newTestMapper(t)
	_, _, err := m.Apply(context.Background(), Event{ID: "evt_5", Type: EventCheckoutCompleted, UserID: "u9"})
	if !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("Apply() error = %v, want ErrUnknownPlan", err)
	}
}

func TestApplyTrialFields(t *testing.T) {
	m, _, _ := newTestMapper(t)
	_, sub, err := m.Apply(context.Background(), Event{
		ID:       "evt_6",
		Type:     EventSubscriptionCreated,
		UserID:   "u2",
		Status:   "trialing",
		PlanName: "pro",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if sub.Status != model.StatusTrial || sub.TrialDownloadsLimit != 3 {
		t.Errorf("sub = %+v", sub)
	}
	if sub.TrialEnd == nil || sub.TrialDaysRemaining != 7 {
		t.Errorf("trial end = %v, days = %d", sub.TrialEnd, sub.TrialDaysRemaining)
	}
}

func TestApplyIgnoresUnhandledTypes(t *testing.T) {
	m, _, _ := newTestMapper(t)
	outcome, sub, err := m.Apply(context.Background(), Event{ID: "evt_7", Type: "invoice.paid"})
	if err != nil || sub != nil || outcome != OutcomeIgnored {
		t.Errorf("Apply() = %q, %v, %v", outcome, sub, err)
	}
}

func TestTrialDaysRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		end  time.Time
		want int
	}{
		{now.Add(-time.Hour), 0},
		{now, 0},
		{now.Add(time.Minute), 1},
		{now.Add(24 * time.Hour), 1},
		{now.Add(25 * time.Hour), 2},
	}
	for _, tt := range tests {
		if got := TrialDaysRemaining(tt.end, now); got != tt.want {
			t.Errorf("TrialDaysRemaining(%v) = %d, want %d", tt.end, got, tt.want)
		}
	}
}
