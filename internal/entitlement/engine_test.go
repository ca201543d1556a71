package entitlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/billing"
	errordefs "github.com/clipmarket/clipmarket-api-go/internal/errors"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	e := NewEngine(store, billing.NewCatalog(nil, 3, 7))
	e.now = func() time.Time { return now }
	return e, store
}

func download(t *testing.T, store storage.Store, userID, videoID string, at time.Time) {
	t.Helper()
	err := store.CreateDownloadRecord(context.Background(), model.DownloadHistoryRecord{
		ID:           fmt.Sprintf("%s-%s-%d", userID, videoID, at.UnixNano()),
		UserID:       userID,
		VideoID:      videoID,
		DownloadedAt: at,
	})
	if err != nil {
		t.Fatalf("CreateDownloadRecord() error = %v", err)
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestTrialBoundary(t *testing.T) {
	e, _ := newTestEngine(t)
	start := now.Add(-24 * time.Hour)
	for _, tt := range []struct {
		used, want int
	}{
		{used: 3, want: 0},
		{used: 2, want: 1},
		{used: 0, want: 3},
		{used: 5, want: 0},
	} {
		sub := &model.Subscription{
			UserID:              "u1",
			Status:              model.StatusTrial,
			TrialDownloadsLimit: 3,
			TrialDownloadsUsed:  tt.used,
			TrialStart:          &start,
		}
		w := WindowFor(sub, 7, now)
		got := e.Compute("u1", sub, w, 0, now)
		if got.Remaining != tt.want {
			t.Errorf("used=%d: Remaining = %d, want %d", tt.used, got.Remaining, tt.want)
		}
		if got.PeriodKind != model.PeriodTrial {
			t.Errorf("PeriodKind = %s, want trial", got.PeriodKind)
		}
		if got.TrialDaysRemaining == nil || *got.TrialDaysRemaining != 6 {
			t.Errorf("TrialDaysRemaining = %v, want 6", got.TrialDaysRemaining)
		}
	}
}

func TestTrialReadThroughStore(t *testing.T) {
	e, store := newTestEngine(t)
	start := now.Add(-48 * time.Hour)
	end := now.Add(30 * time.Hour)
	_ = store.UpsertSubscription(context.Background(), model.Subscription{
		UserID:              "u1",
		Plan:                model.PlanStandard,
		Status:              model.StatusTrial,
		TrialDownloadsLimit: 3,
		TrialDownloadsUsed:  2,
		TrialStart:          &start,
		TrialEnd:            &end,
	})

	ent, err := e.Read(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Remaining != 1 || ent.Limit != 3 {
		t.Errorf("entitlement = %d/%d, want 1/3", ent.Remaining, ent.Limit)
	}
	if *ent.TrialDaysRemaining != 2 {
		t.Errorf("TrialDaysRemaining = %d, want 2 (ceil of 30h)", *ent.TrialDaysRemaining)
	}
}

func TestTrialExpired(t *testing.T) {
	e, store := newTestEngine(t)
	start := now.AddDate(0, 0, -10)
	end := now.AddDate(0, 0, -3)
	_ = store.UpsertSubscription(context.Background(), model.Subscription{
		UserID: "u1", Plan: model.PlanStandard, Status: model.StatusTrial,
		TrialDownloadsLimit: 3, TrialDownloadsUsed: 1, TrialStart: &start, TrialEnd: &end,
	})

	ent, err := e.Authorize(context.Background(), "u1", "v1")
	if !errordefs.Is(err, errordefs.MKT_TRIAL_EXPIRED) {
		t.Fatalf("Authorize() error = %v, want MKT_TRIAL_EXPIRED", err)
	}
	if ent.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2 (count is independent of expiry)", ent.Remaining)
	}
}

func TestDistinctVideoCounting(t *testing.T) {
	e, store := newTestEngine(t)
	_ = store.UpsertSubscription(context.Background(), model.Subscription{
		UserID: "u1", Plan: model.PlanStandard, Status: model.StatusActive, MonthlyDownloadLimit: 15,
	})
	for i := 0; i < 5; i++ {
		download(t, store, "u1", "v1", now.Add(-time.Duration(i+1)*time.Hour))
	}
	download(t, store, "u1", "v2", now.Add(-time.Hour))
	// Last month does not count
	download(t, store, "u1", "v3", now.AddDate(0, -1, 0))
	// Another user does not count
	download(t, store, "u2", "v4", now.Add(-time.Hour))

	ent, err := e.Read(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Used != 2 || ent.Remaining != 13 {
		t.Errorf("used/remaining = %d/%d, want 2/13", ent.Used, ent.Remaining)
	}
	if ent.PeriodKind != model.PeriodCalendarMonth {
		t.Errorf("PeriodKind = %s, want calendar_month", ent.PeriodKind)
	}
	wantStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !ent.PeriodStart.Equal(wantStart) || !ent.PeriodEnd.Equal(wantStart.AddDate(0, 1, 0)) {
		t.Errorf("period = %v..%v", ent.PeriodStart, ent.PeriodEnd)
	}
}

func TestScenarioBQuotaExhausted(t *testing.T) {
	e, store := newTestEngine(t)
	_ = store.UpsertSubscription(context.Background(), model.Subscription{
		UserID: "u1", Plan: model.PlanStandard, Status: model.StatusActive, MonthlyDownloadLimit: 15,
	})
	for i := 0; i < 15; i++ {
		download(t, store, "u1", fmt.Sprintf("v%d", i), now.Add(-time.Duration(i+1)*time.Minute))
	}

	ent, err := e.Read(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", ent.Remaining)
	}

	_, err = e.Authorize(context.Background(), "u1", "v-new")
	if !errordefs.Is(err, errordefs.MKT_QUOTA_EXCEEDED) {
		t.Fatalf("Authorize(new video) error = %v, want MKT_QUOTA_EXCEEDED", err)
	}

	// Re-downloading a counted video consumes nothing
	if _, err := e.Authorize(context.Background(), "u1", "v3"); err != nil {
		t.Errorf("Authorize(already downloaded) error = %v", err)
	}
}

func TestInactiveStatusesHaveNoEntitlement(t *testing.T) {
	for _, status := range []model.SubscriptionStatus{model.StatusPastDue, model.StatusUnpaid, model.StatusCanceled} {
		t.Run(string(status), func(t *testing.T) {
			e, store := newTestEngine(t)
			_ = store.UpsertSubscription(context.Background(), model.Subscription{
				UserID: "u1", Plan: model.PlanPro, Status: status, MonthlyDownloadLimit: 30,
			})
			ent, err := e.Authorize(context.Background(), "u1", "v1")
			if !errordefs.Is(err, errordefs.MKT_NO_SUBSCRIPTION) {
				t.Fatalf("Authorize() error = %v, want MKT_NO_SUBSCRIPTION", err)
			}
			if ent.Remaining != 0 {
				t.Errorf("Remaining = %d, want 0", ent.Remaining)
			}
		})
	}
}

func TestNoSubscription(t *testing.T) {
	e, _ := newTestEngine(t)
	ent, err := e.Read(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Remaining != 0 || ent.PeriodKind != model.PeriodNone {
		t.Errorf("entitlement = %+v, want zero with periodKind none", ent)
	}
	if _, err := e.Authorize(context.Background(), "nobody", "v1"); !errordefs.Is(err, errordefs.MKT_NO_SUBSCRIPTION) {
		t.Errorf("Authorize() error = %v, want MKT_NO_SUBSCRIPTION", err)
	}
}

func TestLimitFallsBackToCatalog(t *testing.T) {
	e, store := newTestEngine(t)
	_ = store.UpsertSubscription(context.Background(), model.Subscription{
		UserID: "u1", Plan: model.PlanBusiness, Status: model.StatusActive,
	})
	ent, err := e.Read(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Limit != 50 || ent.Remaining != 50 {
		t.Errorf("limit/remaining = %d/%d, want 50/50", ent.Limit, ent.Remaining)
	}
}

func TestWindowFor(t *testing.T) {
	periodStart := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	trialStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		sub       *model.Subscription
		wantKind  model.PeriodKind
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:     "no subscription",
			sub:      nil,
			wantKind: model.PeriodNone,
		},
		{
			name:      "billing period containing now",
			sub:       &model.Subscription{Status: model.StatusActive, CurrentPeriodStart: &periodStart, CurrentPeriodEnd: &periodEnd},
			wantKind:  model.PeriodBillingPeriod,
			wantStart: periodStart,
			wantEnd:   periodEnd,
		},
		{
			name:      "stale billing period",
			sub:       &model.Subscription{Status: model.StatusActive, CurrentPeriodStart: ptr(periodStart.AddDate(0, -2, 0)), CurrentPeriodEnd: ptr(periodEnd.AddDate(0, -2, 0))},
			wantKind:  model.PeriodCalendarMonth,
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "no billing period",
			sub:       &model.Subscription{Status: model.StatusActive},
			wantKind:  model.PeriodCalendarMonth,
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "trial without end",
			sub:       &model.Subscription{Status: model.StatusTrial, TrialStart: &trialStart},
			wantKind:  model.PeriodTrial,
			wantStart: trialStart,
			wantEnd:   trialStart.AddDate(0, 0, 7),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := WindowFor(tt.sub, 7, now)
			if w.Kind != tt.wantKind || !w.Start.Equal(tt.wantStart) || !w.End.Equal(tt.wantEnd) {
				t.Errorf("WindowFor() = %+v, want %s %v..%v", w, tt.wantKind, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestBillingPeriodCounting(t *testing.T) {
	e, store := newTestEngine(t)
	periodStart := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	_ = store.UpsertSubscription(context.Background(), model.Subscription{
		UserID: "u1", Plan: model.PlanStandard, Status: model.StatusActive, MonthlyDownloadLimit: 15,
		CurrentPeriodStart: &periodStart, CurrentPeriodEnd: &periodEnd,
	})
	// Inside the billing period but in the previous calendar month
	download(t, store, "u1", "v1", time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC))
	// Before the billing period
	download(t, store, "u1", "v2", time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC))

	ent, err := e.Read(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ent.PeriodKind != model.PeriodBillingPeriod || ent.Used != 1 {
		t.Errorf("kind/used = %s/%d, want billing_period/1", ent.PeriodKind, ent.Used)
	}
}
